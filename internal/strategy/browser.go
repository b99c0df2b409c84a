package strategy

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/alvmarrod/domain-enricher/internal/extract"
)

// NameBrowser is the ladder name of the rendered-browser strategy
const NameBrowser = "browser"

// Renderer returns the HTML of a page after its scripts have run
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// Browser renders the home page and its first contact page in a headless browser.
// Concurrent renders are bounded by a semaphore shared by every execution.
type Browser struct {
	renderer   Renderer
	sem        *semaphore.Weighted
	onInflight func(delta int)
}

// NewBrowser creates the browser strategy. A nil renderer makes every attempt a skip.
func NewBrowser(renderer Renderer, sem *semaphore.Weighted) *Browser {
	return &Browser{renderer: renderer, sem: sem}
}

// OnInflight registers a hook called with +1 when a render slot is taken and -1 when released
func (b *Browser) OnInflight(fn func(delta int)) *Browser {
	b.onInflight = fn
	return b
}

func (b *Browser) Name() string {
	return NameBrowser
}

// Attempt renders the domain's pages and extracts from the resulting DOM
func (b *Browser) Attempt(ctx context.Context, d string) Finding {
	var finding Finding
	if b.renderer == nil {
		finding.Skipped = true
		finding.Note = "browser disabled"
		return finding
	}

	if b.sem != nil {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			finding.Err = err
			return finding
		}
		defer b.sem.Release(1)
	}
	if b.onInflight != nil {
		b.onInflight(1)
		defer b.onInflight(-1)
	}

	var homeURL, html string
	var lastErr error
	for _, scheme := range []string{"https://", "http://"} {
		target := scheme + d + "/"
		finding.URLs = append(finding.URLs, target)

		rendered, err := b.renderer.Render(ctx, target)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		homeURL, html = target, rendered
		break
	}
	if homeURL == "" {
		finding.Err = lastErr
		if ctx.Err() != nil {
			finding.Err = ctx.Err()
		}
		return finding
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		finding.Err = err
		return finding
	}
	finding.absorb(homeURL, extract.FromDocument(doc, html))
	if finding.Complete() {
		return finding
	}

	base, err := url.Parse(homeURL)
	if err != nil {
		finding.Err = err
		return finding
	}
	links := ContactLinks(doc, base, 1)
	if len(links) == 0 {
		return finding
	}

	finding.URLs = append(finding.URLs, links[0])
	rendered, err := b.renderer.Render(ctx, links[0])
	if err != nil {
		if !finding.Complete() {
			finding.Err = err
		}
		return finding
	}
	found, err := extract.FromHTML(rendered)
	if err != nil {
		finding.Err = err
		return finding
	}
	finding.absorb(links[0], found)
	return finding
}

// ChromeRenderer renders pages with a headless Chrome driven by chromedp. A single
// browser process is shared; each render opens its own tab.
type ChromeRenderer struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
	startOnce   sync.Once
	startErr    error
	closeOnce   sync.Once
}

// NewChromeRenderer starts the allocator. The browser itself is launched lazily on first render.
func NewChromeRenderer(execPath, userAgent string) *ChromeRenderer {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(userAgent),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("lang", "ru-RU"),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	if execPath != "" {
		opts = append(opts, chromedp.ExecPath(execPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(logrus.Debugf))

	return &ChromeRenderer{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		cancel:      cancel,
	}
}

// Render navigates a new tab to url, waits for the body and returns the page's outer HTML
func (r *ChromeRenderer) Render(ctx context.Context, url string) (string, error) {
	r.startOnce.Do(func() {
		// Running with no actions launches the browser in the first tab
		r.startErr = chromedp.Run(r.browserCtx)
	})
	if r.startErr != nil {
		return "", fmt.Errorf("failed to start browser: %w", r.startErr)
	}

	tabCtx, tabCancel := chromedp.NewContext(r.browserCtx)
	defer tabCancel()

	// Tie the tab to the caller's deadline
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	var html string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500*time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return html, nil
}

// Close shuts the browser down
func (r *ChromeRenderer) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.allocCancel()
	})
}
