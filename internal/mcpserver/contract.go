package mcpserver

// NoteFormatContract describes how notes are stored so LLM consumers can
// create and edit them without breaking the notebook index.
const NoteFormatContract = `# Vellum Note Format Contract

A notebook holds notes placed in a tree of sections. Every note is a
Markdown file that starts with a YAML front-matter block.

## Structure

` + "```" + `markdown
---
title: Human-readable title    # display name; the slug is derived from it
slug: human-readable-title     # REQUIRED, unique within the notebook
path: projects/2026            # OPTIONAL, "/"-joined section path
---

Body text in standard Markdown.
` + "```" + `

## Rules

1. **Front matter is mandatory.** The ` + "`" + `---` + "`" + ` fence must be the first line.
   A note without it cannot be read.
2. **Do not write front matter yourself.** The ` + "`" + `create_note` + "`" + ` tool derives the
   slug from the title and writes the block; pass only the body as content.
3. **Slugs are unique.** Creating a note whose title maps to an existing slug
   fails with a conflict. Pick another title.
4. **Untitled notes** get a lowercase ULID as their slug.
5. **Sections** are addressed by their "/"-joined path. The empty path is the
   notebook root, where new notes are placed.
6. **Encoding** is UTF-8.

## Files

- Attach images and documents with the ` + "`" + `add_file` + "`" + ` tool. It returns a
  ` + "`" + `markdownImage` + "`" + ` field ready to paste into the note body.
- Files live in the notebook's flat ` + "`" + `files/` + "`" + ` area; reference them by bare
  name: ` + "`" + `![description](diagram.png)` + "`" + `.
- Supported formats: png, jpg, jpeg, gif, webp, svg, pdf.

## Locked notebooks

Encrypted notebooks must be unlocked through the HTTP API or the CLI before
any tool can read or write them. Tools on a locked notebook return an error.
`
