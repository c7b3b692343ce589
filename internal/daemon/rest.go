package daemon

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/foldermcp/foldermcp/internal/config"
	"github.com/foldermcp/foldermcp/internal/content"
	"github.com/foldermcp/foldermcp/internal/fingerprint"
	"github.com/foldermcp/foldermcp/internal/orchestrator"
	"github.com/foldermcp/foldermcp/internal/store"
)

// restError is the REST error payload.
type restError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, restError{Error: msg})
}

func notFound(c echo.Context, msg string) error {
	return c.JSON(http.StatusNotFound, restError{Error: msg})
}

func internalError(c echo.Context, err error) error {
	return c.JSON(http.StatusInternalServerError, restError{Error: "internal error", Details: err.Error()})
}

// DocumentID derives the stable id for a document from its slash-normalised
// relative path.
func DocumentID(relativePath string) string {
	sum := sha1.Sum([]byte(filepath.ToSlash(relativePath)))
	return hex.EncodeToString(sum[:])[:16]
}

// DocumentInfo is one listing entry. Indexed reflects presence in the
// embedding store, not merely on disk.
type DocumentInfo struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	RelativePath string         `json:"relativePath"`
	Type         string         `json:"type"`
	Size         int64          `json:"size"`
	Modified     time.Time      `json:"modified"`
	Indexed      bool           `json:"indexed"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// DocumentListResponse is the paginated listing payload.
type DocumentListResponse struct {
	FolderPath string         `json:"folderPath"`
	Documents  []DocumentInfo `json:"documents"`
	Total      int            `json:"total"`
	Limit      int            `json:"limit"`
	Offset     int            `json:"offset"`
}

// resolveFolder maps the {folderId} path parameter (the configured folder
// name, or the document-id hash of its path) to the config entry.
func (s *Server) resolveFolder(folderID string) (config.FolderConfig, bool) {
	for _, f := range s.cfg.Get().Folders {
		if f.Name == folderID || DocumentID(f.Path) == folderID {
			return f, true
		}
	}
	return config.FolderConfig{}, false
}

func (s *Server) handleListFolders(c echo.Context) error {
	type folderEntry struct {
		ID    string `json:"id"`
		Path  string `json:"path"`
		Name  string `json:"name"`
		Model string `json:"model"`
	}
	doc := s.cfg.Get()
	out := make([]folderEntry, 0, len(doc.Folders))
	for _, f := range doc.Folders {
		out = append(out, folderEntry{ID: f.Name, Path: f.Path, Name: f.Name, Model: f.Model})
	}
	return c.JSON(http.StatusOK, map[string]any{"folders": out})
}

func (s *Server) handleListDocuments(c echo.Context) error {
	folder, ok := s.resolveFolder(c.Param("folderId"))
	if !ok {
		return notFound(c, "unknown folder")
	}

	limit, offset, err := pagination(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	sortKey := c.QueryParam("sort")
	if sortKey == "" {
		sortKey = "name"
	}
	order := c.QueryParam("order")
	if order == "" {
		order = "asc"
	}
	if !validSort[sortKey] {
		return badRequest(c, "sort must be one of name, modified, size, type")
	}
	if order != "asc" && order != "desc" {
		return badRequest(c, "order must be asc or desc")
	}
	typeFilter := c.QueryParam("type")

	docs, err := s.listDocuments(folder, typeFilter)
	if err != nil {
		return internalError(c, err)
	}

	sortDocuments(docs, sortKey, order)

	total := len(docs)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	return c.JSON(http.StatusOK, DocumentListResponse{
		FolderPath: folder.Path,
		Documents:  docs[offset:end],
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

var validSort = map[string]bool{"name": true, "modified": true, "size": true, "type": true}

func pagination(c echo.Context) (limit, offset int, err error) {
	limit = 50
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("limit must be a positive integer")
		}
	}
	if raw := c.QueryParam("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

// listDocuments walks the folder for indexable files and marks each one
// indexed when its current content hash has embeddings in the store.
func (s *Server) listDocuments(folder config.FolderConfig, typeFilter string) ([]DocumentInfo, error) {
	st, managed := s.orch.Store(folder.Path)

	var indexedHashes map[string]fingerprint.Fingerprint
	if managed {
		if fps, err := st.Fingerprints(); err == nil {
			indexedHashes = fps
		}
	}

	var docs []DocumentInfo
	walkErr := filepath.WalkDir(folder.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			if d.Name() == store.CacheDirName || strings.HasPrefix(d.Name(), ".") && path != folder.Path {
				return fs.SkipDir
			}
			return nil
		}

		docType, supported := content.Detect(path)
		if !supported {
			return nil
		}
		if typeFilter != "" && string(docType) != typeFilter {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(folder.Path, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		indexed := false
		if managed {
			if fp, ferr := fingerprint.File(path, folder.Path); ferr == nil {
				if _, ok := indexedHashes[fp.Hash]; ok {
					indexed = st.HasEmbedding(fp.Hash, 0)
				}
			}
		}

		docs = append(docs, DocumentInfo{
			ID:           DocumentID(rel),
			Name:         d.Name(),
			RelativePath: rel,
			Type:         string(docType),
			Size:         info.Size(),
			Modified:     info.ModTime(),
			Indexed:      indexed,
		})
		return nil
	})
	return docs, walkErr
}

func sortDocuments(docs []DocumentInfo, key, order string) {
	less := func(i, j int) bool {
		switch key {
		case "modified":
			return docs[i].Modified.Before(docs[j].Modified)
		case "size":
			return docs[i].Size < docs[j].Size
		case "type":
			if docs[i].Type != docs[j].Type {
				return docs[i].Type < docs[j].Type
			}
			return docs[i].Name < docs[j].Name
		default:
			return docs[i].Name < docs[j].Name
		}
	}
	if order == "desc" {
		sort.SliceStable(docs, func(i, j int) bool { return less(j, i) })
		return
	}
	sort.SliceStable(docs, less)
}

// findDocument resolves a document id to its cached record.
func (s *Server) findDocument(folder config.FolderConfig, docID string) (store.DocumentRecord, bool) {
	st, ok := s.orch.Store(folder.Path)
	if !ok {
		return store.DocumentRecord{}, false
	}
	fps, err := st.Fingerprints()
	if err != nil {
		return store.DocumentRecord{}, false
	}
	for hash, fp := range fps {
		if DocumentID(fp.RelativePath) != docID {
			continue
		}
		rec, err := st.LoadDocument(hash)
		if err != nil {
			return store.DocumentRecord{}, false
		}
		return rec, true
	}
	return store.DocumentRecord{}, false
}

func (s *Server) handleGetDocument(c echo.Context) error {
	folder, ok := s.resolveFolder(c.Param("folderId"))
	if !ok {
		return notFound(c, "unknown folder")
	}
	rec, ok := s.findDocument(folder, c.Param("docId"))
	if !ok {
		return notFound(c, "unknown document")
	}

	parsed, err := content.ParseBytes([]byte(rec.Content), rec.DocumentType)
	if err != nil {
		return internalError(c, err)
	}

	metadata := map[string]any{"wordCount": parsed.Structure.WordCount}
	switch rec.DocumentType {
	case content.TypePDF:
		metadata["pageCount"] = parsed.Structure.PageCount
	case content.TypeSpreadsheet:
		metadata["sheetCount"] = len(parsed.Structure.SheetNames)
	case content.TypePresentation:
		metadata["slideCount"] = parsed.Structure.SlideCount
	}

	return c.JSON(http.StatusOK, map[string]any{
		"id":           DocumentID(rec.Fingerprint.RelativePath),
		"relativePath": rec.Fingerprint.RelativePath,
		"type":         rec.DocumentType,
		"content":      rec.Content,
		"metadata":     metadata,
	})
}

func (s *Server) handleGetOutline(c echo.Context) error {
	folder, ok := s.resolveFolder(c.Param("folderId"))
	if !ok {
		return notFound(c, "unknown folder")
	}
	rec, ok := s.findDocument(folder, c.Param("docId"))
	if !ok {
		return notFound(c, "unknown document")
	}

	parsed, err := content.ParseBytes([]byte(rec.Content), rec.DocumentType)
	if err != nil {
		return internalError(c, err)
	}

	outline := map[string]any{"type": rec.DocumentType}
	switch rec.DocumentType {
	case content.TypeMarkdown, content.TypeText:
		outline["headings"] = parsed.Structure.Headings
	case content.TypePDF:
		outline["pageCount"] = parsed.Structure.PageCount
	case content.TypeSpreadsheet:
		outline["sheets"] = parsed.Structure.SheetNames
	case content.TypePresentation:
		outline["slideCount"] = parsed.Structure.SlideCount
	default:
		outline["headings"] = parsed.Structure.Headings
	}
	return c.JSON(http.StatusOK, outline)
}

// SearchRequest is the scoped search body.
type SearchRequest struct {
	Query          string  `json:"query"`
	Limit          int     `json:"limit"`
	Threshold      float64 `json:"threshold"`
	IncludeContent bool    `json:"includeContent"`
}

// SearchResultEntry is one flattened search result on the REST surface.
type SearchResultEntry struct {
	DocumentID   string  `json:"documentId"`
	DocumentName string  `json:"documentName"`
	DocumentPath string  `json:"documentPath"`
	DocumentType string  `json:"documentType"`
	ChunkIndex   int     `json:"chunkIndex"`
	PageNumber   int     `json:"pageNumber,omitempty"`
	Snippet      string  `json:"snippet,omitempty"`
	Relevance    float64 `json:"relevance"`
}

// SearchPerformance is the REST search performance block.
type SearchPerformance struct {
	SearchTime        string `json:"searchTime"`
	ModelLoadTime     string `json:"modelLoadTime"`
	DocumentsSearched int    `json:"documentsSearched"`
	TotalResults      int    `json:"totalResults"`
	ModelUsed         string `json:"modelUsed"`
}

func (s *Server) handleSearch(c echo.Context) error {
	folder, ok := s.resolveFolder(c.Param("folderId"))
	if !ok {
		return notFound(c, "unknown folder")
	}

	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.Query == "" {
		return badRequest(c, "query is required")
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		return badRequest(c, "threshold must be within [0,1]")
	}

	resp, err := s.orch.SearchFolder(c.Request().Context(), folder.Path, req.Query, orchestrator.SearchOptions{
		TopK:           req.Limit,
		Threshold:      req.Threshold,
		IncludeContent: req.IncludeContent,
	})
	if err != nil {
		return internalError(c, err)
	}

	results := make([]SearchResultEntry, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		for _, match := range hit.Chunks {
			results = append(results, SearchResultEntry{
				DocumentID:   DocumentID(hit.RelativePath),
				DocumentName: filepath.Base(hit.RelativePath),
				DocumentPath: hit.RelativePath,
				DocumentType: hit.DocumentType,
				ChunkIndex:   match.ChunkIndex,
				PageNumber:   match.PageNumber,
				Snippet:      match.Snippet,
				Relevance:    match.Relevance,
			})
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"folderPath": folder.Path,
		"results":    results,
		"performance": SearchPerformance{
			SearchTime:        resp.Stats.Duration.String(),
			ModelLoadTime:     "0s", // models are resident for managed folders
			DocumentsSearched: resp.Stats.DocumentsSearched,
			TotalResults:      resp.Stats.TotalResults,
			ModelUsed:         resp.Stats.ModelUsed,
		},
	})
}
