package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
	"github.com/linksmith/chrono-scraper-sub004/internal/server"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs a JSON-lines file of
// candidates through the pipeline without the HTTP server.
func newCrawlCmd() *cobra.Command {
	var (
		file      string
		projectID string
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Process a JSON-lines file of candidates for one project",
		Long: `Reads one candidate per line ({"url": ..., "capture_time": ..., "digest": ...})
and submits each for the given project, printing a summary of outcomes.
Use "-" to read standard input.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(projectID) == "" {
				return errors.New("--project is required")
			}
			e, err := envFrom(cmd.Context())
			if err != nil {
				return err
			}
			in, closeIn, err := openInput(cmd, file)
			if err != nil {
				return err
			}
			defer closeIn()

			app, err := server.Build(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer func() { _ = app.Close(context.Background()) }()

			src := newLineSource(in, projectID, sessionID)
			summary, err := runCandidates(cmd.Context(), app.Pipeline(), src, e.cfg.Pipeline.Workers, e.logger)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(summary)
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "candidate file (JSON lines)")
	cmd.Flags().StringVar(&projectID, "project", "", "project requesting the candidates")
	cmd.Flags().StringVar(&sessionID, "session", "", "optional session id")
	return cmd
}

func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open candidates: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

type lineCandidate struct {
	URL           string    `json:"url"`
	CaptureTime   time.Time `json:"capture_time"`
	Digest        string    `json:"digest"`
	MimeType      string    `json:"mime_type"`
	Length        int64     `json:"length"`
	PriorityScore int       `json:"priority_score"`
}

// lineSource is an archive.CandidateSource over JSON lines.
type lineSource struct {
	mu        sync.Mutex
	scanner   *bufio.Scanner
	line      int
	projectID string
	sessionID string
}

func newLineSource(r io.Reader, projectID, sessionID string) *lineSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &lineSource{scanner: sc, projectID: projectID, sessionID: sessionID}
}

// Next implements archive.CandidateSource. Blank lines are skipped.
func (s *lineSource) Next(ctx context.Context) (archive.ScrapeCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return archive.ScrapeCandidate{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return archive.ScrapeCandidate{}, fmt.Errorf("read line %d: %w", s.line+1, err)
			}
			return archive.ScrapeCandidate{}, io.EOF
		}
		s.line++
		raw := strings.TrimSpace(s.scanner.Text())
		if raw == "" {
			continue
		}
		var lc lineCandidate
		if err := json.Unmarshal([]byte(raw), &lc); err != nil {
			return archive.ScrapeCandidate{}, fmt.Errorf("%w: line %d: %v", archive.ErrValidation, s.line, err)
		}
		return archive.ScrapeCandidate{
			ProjectID:     s.projectID,
			SessionID:     s.sessionID,
			URL:           lc.URL,
			CaptureTime:   lc.CaptureTime,
			Digest:        lc.Digest,
			MimeType:      lc.MimeType,
			Length:        lc.Length,
			PriorityScore: lc.PriorityScore,
		}, nil
	}
}

// submitter is the slice of the pipeline crawl needs.
type submitter interface {
	Submit(ctx context.Context, c archive.ScrapeCandidate) (archive.CandidateResult, error)
}

type crawlSummary struct {
	Total    int            `json:"total"`
	Outcomes map[string]int `json:"outcomes"`
	Pages    []string       `json:"pages"`
}

func runCandidates(ctx context.Context, p submitter, src archive.CandidateSource, workers int, logger *zap.Logger) (crawlSummary, error) {
	if workers <= 0 {
		workers = 1
	}
	summary := crawlSummary{Outcomes: map[string]int{}}
	pages := map[string]struct{}{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for {
		c, err := src.Next(gctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = g.Wait()
			return summary, fmt.Errorf("candidate source: %w", err)
		}
		g.Go(func() error {
			res, err := p.Submit(gctx, c)
			if err != nil {
				logger.Warn("candidate not processed", zap.String("url", c.URL), zap.Error(err))
			}
			mu.Lock()
			defer mu.Unlock()
			summary.Total++
			summary.Outcomes[string(res.Outcome)]++
			if res.SharedPageID != "" {
				pages[res.SharedPageID] = struct{}{}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	for id := range pages {
		summary.Pages = append(summary.Pages, id)
	}
	sort.Strings(summary.Pages)
	return summary, nil
}
