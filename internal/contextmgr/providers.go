package contextmgr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/codefionn/autopilot/internal/consts"
	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/htmlconv"
	"github.com/codefionn/autopilot/internal/ide"
	"github.com/codefionn/autopilot/internal/logger"
	"github.com/codefionn/autopilot/internal/vcs"
	"github.com/sourcegraph/go-diff/diff"
	"golang.org/x/sync/errgroup"
)

// Provider titles.
const (
	TitleCode = "code"
	TitleDiff = "diff"
	TitleURL  = "url"
	TitleOpen = "open"
)

// FromConfig builds the providers named in titles. Unknown titles are
// logged and skipped.
func FromConfig(titles []string, workspace string, log *logger.Logger) []Provider {
	log = logger.OrNop(log)
	repo := vcs.NewGit(workspace)
	var out []Provider
	for _, title := range titles {
		switch title {
		case TitleCode:
			out = append(out, &CodeProvider{})
		case TitleDiff:
			out = append(out, &DiffProvider{VCS: repo})
		case TitleURL:
			out = append(out, &URLProvider{})
		case TitleOpen:
			out = append(out, &OpenFilesProvider{VCS: repo})
		default:
			log.Warn("unknown context provider %q", title)
		}
	}
	return out
}

// CodeProvider offers the code highlighted in the editor.
type CodeProvider struct{}

func (*CodeProvider) Title() string       { return TitleCode }
func (*CodeProvider) Description() string { return "Code highlighted in the editor" }

func (p *CodeProvider) Items(ctx context.Context, editor ide.IDE) ([]core.ContextItem, error) {
	ranges, err := editor.GetHighlightedCode(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]core.ContextItem, 0, len(ranges))
	for _, r := range ranges {
		rc, err := ide.ReadRange(ctx, editor, r)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("%s (%d-%d)", filepath.Base(r.Filepath), r.Range.Start.Line+1, r.Range.End.Line+1)
		items = append(items, core.ContextItem{
			ID:          itemID(TitleCode, r.Filepath, fmt.Sprint(r.Range.Start.Line, r.Range.End.Line)),
			Name:        name,
			Description: r.Filepath,
			Content:     rc.Contents,
		})
	}
	return items, nil
}

// DiffProvider offers the uncommitted changes, one item per file.
type DiffProvider struct {
	VCS vcs.VCS
}

func (*DiffProvider) Title() string       { return TitleDiff }
func (*DiffProvider) Description() string { return "Uncommitted changes" }

func (p *DiffProvider) Items(ctx context.Context, _ ide.IDE) ([]core.ContextItem, error) {
	text, err := p.VCS.Diff(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	fileDiffs, err := diff.ParseMultiFileDiff([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("failed to parse diff: %w", err)
	}

	description := "Uncommitted changes"
	if branch, _ := p.VCS.CurrentBranch(ctx); branch != "" {
		description += " on " + branch
	}

	items := make([]core.ContextItem, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		name := diffFileName(fd)
		printed, err := diff.PrintFileDiff(fd)
		if err != nil {
			return nil, fmt.Errorf("failed to render diff of %s: %w", name, err)
		}
		items = append(items, core.ContextItem{
			ID:          itemID(TitleDiff, name),
			Name:        name,
			Description: description,
			Content:     string(printed),
		})
	}
	return items, nil
}

func diffFileName(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	return strings.TrimPrefix(strings.TrimPrefix(name, "b/"), "a/")
}

// URLProvider fetches web pages and offers them as markdown. URLs are
// always fetched fresh.
type URLProvider struct {
	URLs   []string
	Client *http.Client
}

func (*URLProvider) Title() string       { return TitleURL }
func (*URLProvider) Description() string { return "Web pages" }

func (p *URLProvider) Items(ctx context.Context, editor ide.IDE) ([]core.ContextItem, error) {
	items := make([]core.ContextItem, len(p.URLs))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range p.URLs {
		g.Go(func() error {
			item, err := p.Query(gctx, editor, u)
			if err != nil {
				return err
			}
			items[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

func (p *URLProvider) Query(ctx context.Context, _ ide.IDE, url string) (core.ContextItem, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: consts.Timeout30Seconds}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return core.ContextItem{}, fmt.Errorf("invalid url %q: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return core.ContextItem{}, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return core.ContextItem{}, fmt.Errorf("failed to fetch %s: %s", url, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, consts.MaxURLContextBytes))
	if err != nil {
		return core.ContextItem{}, fmt.Errorf("failed to read %s: %w", url, err)
	}
	page, err := htmlconv.Convert(string(body))
	if err != nil {
		return core.ContextItem{}, err
	}
	name := page.Title
	if name == "" {
		name = url
	}
	return core.ContextItem{
		ID:          itemID(TitleURL, url),
		Name:        name,
		Description: url,
		Content:     page.Markdown,
	}, nil
}

// OpenFilesProvider offers the files open in the editor, skipping files
// the repository ignores.
type OpenFilesProvider struct {
	VCS vcs.VCS
}

func (*OpenFilesProvider) Title() string       { return TitleOpen }
func (*OpenFilesProvider) Description() string { return "Files open in the editor" }

func (p *OpenFilesProvider) Items(ctx context.Context, editor ide.IDE) ([]core.ContextItem, error) {
	files, err := editor.GetOpenFiles(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]core.ContextItem, 0, len(files))
	for _, path := range files {
		if p.VCS != nil {
			if ignored, _ := p.VCS.IsIgnored(ctx, path); ignored {
				continue
			}
		}
		contents, err := editor.ReadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		items = append(items, core.ContextItem{
			ID:          itemID(TitleOpen, path),
			Name:        filepath.Base(path),
			Description: path,
			Content:     contents,
		})
	}
	return items, nil
}
