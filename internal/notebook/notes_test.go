package notebook

import (
	"context"
	"errors"
	"testing"

	"github.com/starford/vellum/internal/apperr"
	"github.com/starford/vellum/internal/index"
)

func TestFindNoteRejectsMissingFrontMatter(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	nb, key := createEncrypted(t, svc, "Broken")

	fileName, err := svc.files.WriteFile(ctx, nb.Dir, "raw.md", []byte("# no header\n"), &key)
	if err != nil {
		t.Fatal(err)
	}
	nb.Files.Set("raw.md", fileName)
	ix := index.New()
	if err := ix.AddEntry(index.Entry{InternalID: "01RAW", Title: "Raw", Slug: "raw", FileName: "raw.md"}); err != nil {
		t.Fatal(err)
	}

	_, err = FindNote(ctx, svc.files, nb, ix, "raw")
	if !errors.Is(err, apperr.ErrInternal) {
		t.Fatalf("err = %v, want Internal", err)
	}
}

func TestSaveNoteEncryptedReplacesFile(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	nb, _ := createEncrypted(t, svc, "Enc")
	ix := nb.Index.Clone()

	e, err := CreateNote(ctx, svc.files, nb, ix, "Plan")
	if err != nil {
		t.Fatal(err)
	}
	if err := ix.AddEntry(e); err != nil {
		t.Fatal(err)
	}
	note, err := FindNote(ctx, svc.files, nb, ix, "plan")
	if err != nil {
		t.Fatal(err)
	}
	first := note.FileName

	note.Content = "step one"
	saved, err := SaveNote(ctx, svc.files, nb, note)
	if err != nil {
		t.Fatal(err)
	}
	if saved.FileName == first {
		t.Fatal("encrypted save reused the on-disk name")
	}
	if ok, _ := svc.files.FileExists(ctx, nb.Dir, first); !ok {
		t.Fatal("previous encrypted file removed before commit")
	}
	if err := CommitSave(ctx, svc.files, nb, note, saved); err != nil {
		t.Fatal(err)
	}
	if ok, _ := svc.files.FileExists(ctx, nb.Dir, first); ok {
		t.Error("previous encrypted file not removed")
	}

	again, err := FindNote(ctx, svc.files, nb, ix, "plan")
	if err != nil || again.Content != "step one" {
		t.Fatalf("FindNote = %+v, %v", again, err)
	}
}

func TestDiscardSaveKeepsPrevious(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	nb, _ := createEncrypted(t, svc, "Enc")
	ix := nb.Index.Clone()

	e, err := CreateNote(ctx, svc.files, nb, ix, "Plan")
	if err != nil {
		t.Fatal(err)
	}
	if err := ix.AddEntry(e); err != nil {
		t.Fatal(err)
	}
	note, err := FindNote(ctx, svc.files, nb, ix, "plan")
	if err != nil {
		t.Fatal(err)
	}

	note.Content = "never committed"
	saved, err := SaveNote(ctx, svc.files, nb, note)
	if err != nil {
		t.Fatal(err)
	}
	if err := DiscardSave(ctx, svc.files, nb, note, saved); err != nil {
		t.Fatal(err)
	}
	if ok, _ := svc.files.FileExists(ctx, nb.Dir, saved.FileName); ok {
		t.Error("discarded file still on disk")
	}
	again, err := FindNote(ctx, svc.files, nb, ix, "plan")
	if err != nil || again.Content != "" {
		t.Fatalf("FindNote = %+v, %v", again, err)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Hello World", "hello-world"},
		{"  Trim me  ", "trim-me"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Slugify(tt.title); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.title, got, tt.want)
		}
	}
}
