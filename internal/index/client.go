// Package index is the client for the external vector index. Writes go
// through the index vendor's CLI (batch feed files, document removal); reads
// go through the HTTP query API.
package index

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kailas-cloud/visidex/internal/domain"
)

// Runner executes the index CLI. A seam for tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

// Run executes the command, capturing stdout and stderr separately.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var outBuf, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// Client talks to one deployed index application.
type Client struct {
	runner         Runner
	http           *http.Client
	cli            string
	target         string // tenant.application.instance
	application    string
	schema         string
	endpoint       string
	feedDir        string
	queryTimeout   time.Duration
	maxSuggestions int
}

// Config holds index identity and connection settings.
type Config struct {
	Tenant            string
	Application       string
	Instance          string
	Schema            string
	Endpoint          string
	CLIBinary         string
	FeedDir           string
	QueryTimeout      time.Duration
	SuggestionMaxHits int
	Runner            Runner // defaults to ExecRunner
}

// NewClient creates an index client.
func NewClient(cfg *Config) *Client {
	runner := cfg.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	maxSuggestions := cfg.SuggestionMaxHits
	if maxSuggestions <= 0 {
		maxSuggestions = 10
	}
	return &Client{
		runner:         runner,
		http:           &http.Client{Timeout: queryTimeout},
		cli:            cfg.CLIBinary,
		target:         fmt.Sprintf("%s.%s.%s", cfg.Tenant, cfg.Application, cfg.Instance),
		application:    cfg.Application,
		schema:         cfg.Schema,
		endpoint:       strings.TrimRight(cfg.Endpoint, "/"),
		feedDir:        cfg.FeedDir,
		queryTimeout:   queryTimeout,
		maxSuggestions: maxSuggestions,
	}
}

type feedEntry struct {
	Put    string     `json:"put"`
	Fields feedFields `json:"fields"`
}

type feedFields struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	URL        string            `json:"url"`
	PageNumber int               `json:"page_number"`
	BlurImage  string            `json:"blur_image"`
	FullImage  string            `json:"full_image"`
	Text       string            `json:"text"`
	Embedding  map[string][]int8 `json:"embedding"`
	Queries    []string          `json:"queries"`
	Questions  []string          `json:"questions"`
}

// Feed submits a batch of page records through the CLI feed command. The
// whole batch succeeds or fails as one unit.
func (c *Client) Feed(ctx context.Context, records []domain.IndexRecord) error {
	entries := make([]feedEntry, len(records))
	for i, rec := range records {
		entries[i] = feedEntry{
			Put: c.docRef(rec.ID),
			Fields: feedFields{
				ID:         rec.ID,
				Title:      rec.Title,
				URL:        rec.URL,
				PageNumber: rec.PageNumber,
				BlurImage:  rec.Thumbnail,
				FullImage:  rec.FullImage,
				Text:       rec.Text,
				Embedding:  embeddingBlocks(rec.Embedding),
				Queries:    rec.Queries,
				Questions:  rec.Questions,
			},
		}
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal feed: %w", err)
	}

	feedFile, err := os.CreateTemp(c.feedDir, "visidex-feed-*.json")
	if err != nil {
		return fmt.Errorf("create feed file: %w", err)
	}
	defer os.Remove(feedFile.Name())

	if _, err := feedFile.Write(data); err != nil {
		feedFile.Close()
		return fmt.Errorf("write feed file: %w", err)
	}
	feedFile.Close()

	stdout, stderr, runErr := c.runner.Run(ctx, c.cli, "feed", feedFile.Name(), "-a", c.target)
	output := combinedOutput(stdout, stderr)

	// The CLI reports a missing deployment in its output, sometimes with a
	// zero exit code.
	if strings.Contains(strings.ToLower(output), "no endpoints found") {
		return fmt.Errorf("feed %d records: %w", len(records), domain.ErrIndexUnreachable)
	}
	if runErr != nil {
		return domain.NewIndexError("feed", output, runErr)
	}
	return nil
}

// Remove deletes one document from the index. Success must be confirmed in
// the CLI output; an unconfirmed removal is treated as a failure.
func (c *Client) Remove(ctx context.Context, docID string) error {
	ref := c.docRef(docID)
	stdout, stderr, runErr := c.runner.Run(ctx, c.cli, "document", "remove", ref, "-a", c.target)
	output := combinedOutput(stdout, stderr)

	if strings.Contains(strings.ToLower(output), "no endpoints found") {
		return fmt.Errorf("remove %s: %w", docID, domain.ErrIndexUnreachable)
	}
	if runErr != nil {
		return domain.NewIndexError("remove", output, runErr)
	}
	confirmation := strings.ToLower("Success: remove " + ref)
	if !strings.Contains(strings.ToLower(string(stdout)), confirmation) {
		return domain.NewIndexError("remove", output, fmt.Errorf("removal of %s not confirmed", docID))
	}
	return nil
}

func (c *Client) docRef(docID string) string {
	return fmt.Sprintf("id:%s:%s::%s", c.application, c.schema, docID)
}

// embeddingBlocks converts a packed binary signature to the index wire shape:
// patch index (as string) to a list of signed bytes.
func embeddingBlocks(sig domain.BinarySignature) map[string][]int8 {
	blocks := make(map[string][]int8, len(sig))
	for patch, packed := range sig {
		vals := make([]int8, len(packed))
		for i, b := range packed {
			vals[i] = int8(b)
		}
		blocks[strconv.Itoa(patch)] = vals
	}
	return blocks
}

// Response is a query API response.
type Response struct {
	Root *Root `json:"root"`
}

// Root holds the result tree of a query response.
type Root struct {
	Children []Child `json:"children"`
}

// Child is one hit in a query response.
type Child struct {
	ID        string         `json:"id"`
	Relevance float64        `json:"relevance"`
	Fields    map[string]any `json:"fields"`
}

// Query posts a raw query body to the HTTP search API and decodes the
// response tree. Callers own YQL construction and result normalization.
func (c *Client) Query(ctx context.Context, body map[string]any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/search/", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("index query returned status %d", resp.StatusCode)
	}

	var parsed Response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	return &parsed, nil
}

// FullImage fetches the full-resolution page image stored in the index.
func (c *Client) FullImage(ctx context.Context, docID string) ([]byte, error) {
	resp, err := c.Query(ctx, map[string]any{
		"yql":   fmt.Sprintf("select full_image from %s where id contains @docid", c.schema),
		"hits":  1,
		"docid": docID,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch full image: %v: %w", err, domain.ErrImageUnavailable)
	}
	if resp.Root == nil || len(resp.Root.Children) == 0 {
		return nil, fmt.Errorf("document %s: %w", docID, domain.ErrImageUnavailable)
	}

	encoded, ok := resp.Root.Children[0].Fields["full_image"].(string)
	if !ok || encoded == "" {
		return nil, fmt.Errorf("document %s has no image field: %w", docID, domain.ErrImageUnavailable)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode image for %s: %v: %w", docID, err, domain.ErrImageUnavailable)
	}
	return data, nil
}

// Suggestions returns indexed synthetic questions matching the typed prefix,
// deduplicated and capped.
func (c *Client) Suggestions(ctx context.Context, prefix string) ([]string, error) {
	resp, err := c.Query(ctx, map[string]any{
		"yql":       fmt.Sprintf("select questions from %s where userInput(@userinput)", c.schema),
		"hits":      c.maxSuggestions,
		"userinput": prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch suggestions: %w", err)
	}
	if resp.Root == nil {
		return nil, nil
	}

	needle := strings.ToLower(prefix)
	seen := make(map[string]struct{})
	var out []string
	for _, child := range resp.Root.Children {
		raw, ok := child.Fields["questions"].([]any)
		if !ok {
			continue
		}
		for _, q := range raw {
			question, ok := q.(string)
			if !ok || question == "" {
				continue
			}
			if !strings.Contains(strings.ToLower(question), needle) {
				continue
			}
			if _, dup := seen[question]; dup {
				continue
			}
			seen[question] = struct{}{}
			out = append(out, question)
			if len(out) >= c.maxSuggestions {
				return out, nil
			}
		}
	}
	return out, nil
}

// Keepalive issues a minimal query so the serving side keeps the connection
// pool and caches warm.
func (c *Client) Keepalive(ctx context.Context) error {
	_, err := c.Query(ctx, map[string]any{
		"yql":     fmt.Sprintf("select title from %s where true", c.schema),
		"hits":    1,
		"timeout": "3s",
	})
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	return nil
}

func combinedOutput(stdout, stderr []byte) string {
	return strings.TrimSpace(string(stdout) + "\n" + string(stderr))
}
