// Command kbcache uploads the knowledge base PDFs and creates the Gemini
// cached content used by the ask_knowledge_base tool. Store the printed name
// as GEMINI_CACHE_NAME.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

const (
	defaultModel       = "gemini-2.0-flash"
	pdfMIMEType        = "application/pdf"
	filePollInterval   = 2 * time.Second
)

var errNoDocuments = errors.New("no PDF documents found")

// uploader is the part of *genai.Client kbcache uses.
type uploader interface {
	UploadFile(ctx context.Context, name string, r io.Reader, opts *genai.UploadFileOptions) (*genai.File, error)
	GetFile(ctx context.Context, name string) (*genai.File, error)
	CreateCachedContent(ctx context.Context, cc *genai.CachedContent) (*genai.CachedContent, error)
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
	docs := flag.String("docs", "docs", "directory containing the PDF documents")
	model := flag.String("model", defaultModel, "model the cache is created for; must match the knowledge base model")
	ttl := flag.Duration("ttl", 0, "cache time to live (0 uses the service default)")
	flag.Parse()

	apiKey := os.Getenv("GOOGLE_AI_API_KEY")
	if apiKey == "" {
		slog.Error("GOOGLE_AI_API_KEY not set")
		os.Exit(1)
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		slog.Error("failed to create gemini client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	name, err := buildCache(ctx, client, *docs, *model, *ttl)
	if err != nil {
		slog.Error("failed to build knowledge base cache", "error", err)
		os.Exit(1)
	}
	fmt.Printf("GEMINI_CACHE_NAME=%s\n", name)
}

// findPDFs returns the PDFs directly under dir in name order.
func findPDFs(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.pdf"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w in %s", errNoDocuments, dir)
	}
	sort.Strings(paths)
	return paths, nil
}

func buildCache(ctx context.Context, c uploader, dir, model string, ttl time.Duration) (string, error) {
	paths, err := findPDFs(dir)
	if err != nil {
		return "", err
	}
	slog.Info("kbcache: caching documents", "count", len(paths), "files", paths)

	parts := make([]genai.Part, 0, len(paths))
	for _, p := range paths {
		f, err := uploadPDF(ctx, c, p)
		if err != nil {
			return "", err
		}
		parts = append(parts, genai.FileData{MIMEType: f.MIMEType, URI: f.URI})
	}

	cc := &genai.CachedContent{
		Model:    model,
		Contents: []*genai.Content{{Role: "user", Parts: parts}},
	}
	if ttl > 0 {
		cc.Expiration = genai.ExpireTimeOrTTL{TTL: ttl}
	}
	created, err := c.CreateCachedContent(ctx, cc)
	if err != nil {
		return "", fmt.Errorf("create cached content: %w", err)
	}
	slog.Info("kbcache: cache created", "name", created.Name, "model", created.Model, "expires", created.Expiration.ExpireTime)
	return created.Name, nil
}

// uploadPDF uploads one file and waits until the service has processed it.
func uploadPDF(ctx context.Context, c uploader, path string) (*genai.File, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	f, err := c.UploadFile(ctx, "", r, &genai.UploadFileOptions{DisplayName: filepath.Base(path), MIMEType: pdfMIMEType})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", path, err)
	}
	for f.State == genai.FileStateProcessing {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(filePollInterval):
		}
		if f, err = c.GetFile(ctx, f.Name); err != nil {
			return nil, fmt.Errorf("poll %s: %w", path, err)
		}
	}
	if f.State == genai.FileStateFailed {
		return nil, fmt.Errorf("processing %s failed", path)
	}
	slog.Debug("kbcache: uploaded", "path", path, "uri", f.URI)
	return f, nil
}
