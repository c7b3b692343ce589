// Package content defines the parser contract between the daemon and the
// file-format parsers. Parsers are external collaborators used as a pure
// function parse(path) -> {text, structure}; this package carries the
// contract, document type detection, and the plain-text formats the daemon
// parses itself. Binary formats (PDF, Office) plug in behind the same
// contract and deliver pre-extracted text with structural markers.
package content

import (
	"path/filepath"
	"strings"
)

// DocumentType discriminates parsing and chunking behaviour.
type DocumentType string

const (
	TypeText         DocumentType = "text"
	TypeMarkdown     DocumentType = "markdown"
	TypePDF          DocumentType = "pdf"
	TypeWord         DocumentType = "docx"
	TypeSpreadsheet  DocumentType = "xlsx"
	TypePresentation DocumentType = "pptx"
)

// Heading is one entry of a document's heading structure.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
	// Offset is the byte offset of the heading in the parsed text.
	Offset int `json:"offset"`
}

// Structure carries the type-specific shape of a parsed document.
type Structure struct {
	Headings   []Heading `json:"headings,omitempty"`
	PageCount  int       `json:"pageCount,omitempty"`
	SheetNames []string  `json:"sheetNames,omitempty"`
	SlideCount int       `json:"slideCount,omitempty"`
	WordCount  int       `json:"wordCount"`
}

// Document is the result of parsing a file.
type Document struct {
	Text      string       `json:"text"`
	Type      DocumentType `json:"type"`
	Structure Structure    `json:"structure"`
}

// Parser converts one file into a Document.
type Parser func(path string) (*Document, error)

// extensionTypes maps lower-case file extensions to document types.
var extensionTypes = map[string]DocumentType{
	".txt":      TypeText,
	".text":     TypeText,
	".log":      TypeText,
	".md":       TypeMarkdown,
	".mdx":      TypeMarkdown,
	".markdown": TypeMarkdown,
	".pdf":      TypePDF,
	".docx":     TypeWord,
	".doc":      TypeWord,
	".xlsx":     TypeSpreadsheet,
	".xls":      TypeSpreadsheet,
	".csv":      TypeSpreadsheet,
	".pptx":     TypePresentation,
	".ppt":      TypePresentation,
}

// Detect returns the document type for a path, or false if the extension is
// not indexable.
func Detect(path string) (DocumentType, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	t, ok := extensionTypes[ext]
	return t, ok
}

// Supported reports whether the path has an indexable extension.
func Supported(path string) bool {
	_, ok := Detect(path)
	return ok
}

// SupportedExtensions returns the list of indexable extensions.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(extensionTypes))
	for ext := range extensionTypes {
		exts = append(exts, ext)
	}
	return exts
}

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}
