package strategy_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/alvmarrod/domain-enricher/internal/strategy"
)

// fnStrategy adapts a function to the Strategy interface
type fnStrategy struct {
	name string
	fn   func(ctx context.Context, domain string) strategy.Finding
}

func (s fnStrategy) Name() string { return s.name }

func (s fnStrategy) Attempt(ctx context.Context, domain string) strategy.Finding {
	return s.fn(ctx, domain)
}

type recordingObserver struct {
	mu      sync.Mutex
	entries []strategy.LogEntry
}

func (o *recordingObserver) ObserveStrategy(entry strategy.LogEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, entry)
}

func TestLadder_StopsAtFirstComplete(t *testing.T) {
	t.Parallel()

	var thirdCalled atomic.Bool
	ladder := strategy.NewLadder(time.Second, 5*time.Second,
		fnStrategy{"first", func(context.Context, string) strategy.Finding {
			return strategy.Finding{INNs: []string{"7707083893"}, INNSource: "https://a.ru/", URLs: []string{"https://a.ru/"}}
		}},
		fnStrategy{"second", func(context.Context, string) strategy.Finding {
			return strategy.Finding{Emails: []string{"info@a.ru"}, EmailSource: "https://a.ru/contacts", URLs: []string{"https://a.ru/contacts"}}
		}},
		fnStrategy{"third", func(context.Context, string) strategy.Finding {
			thirdCalled.Store(true)
			return strategy.Finding{}
		}},
	)
	observer := &recordingObserver{}
	ladder.WithObserver(observer)

	result := ladder.Extract(context.Background(), "a.ru")

	require.True(t, result.Complete())
	assert.NoError(t, result.Err)
	assert.False(t, thirdCalled.Load())
	assert.Equal(t, "second", result.Strategy)
	assert.Equal(t, "7707083893", result.INN())
	assert.Equal(t, "https://a.ru/", result.INNSourceURL)
	assert.Equal(t, "https://a.ru/contacts", result.EmailSourceURL)
	assert.Equal(t, []string{"https://a.ru/", "https://a.ru/contacts"}, result.AttemptedURLs)

	require.Len(t, result.Log, 2)
	assert.Equal(t, strategy.OutcomePartial, result.Log[0].Outcome)
	assert.Equal(t, strategy.OutcomePartial, result.Log[1].Outcome)
	assert.Len(t, observer.entries, 2)
}

func TestLadder_NotFound(t *testing.T) {
	t.Parallel()

	ladder := strategy.NewLadder(time.Second, 5*time.Second,
		fnStrategy{"probe", func(context.Context, string) strategy.Finding {
			return strategy.Finding{URLs: []string{"https://b.ru/", "https://b.ru/contacts"}}
		}},
		fnStrategy{"browser", func(context.Context, string) strategy.Finding {
			return strategy.Finding{Skipped: true}
		}},
	)

	result := ladder.Extract(context.Background(), "b.ru")

	assert.ErrorIs(t, result.Err, strategy.ErrNotFound)
	assert.False(t, result.TimedOut())
	assert.Equal(t, []string{"https://b.ru/", "https://b.ru/contacts"}, result.AttemptedURLs)
	require.Len(t, result.Log, 2)
	assert.Equal(t, strategy.OutcomeNotFound, result.Log[0].Outcome)
	assert.Equal(t, strategy.OutcomeSkipped, result.Log[1].Outcome)
}

func TestLadder_StrategyTimeout(t *testing.T) {
	t.Parallel()

	ladder := strategy.NewLadder(20*time.Millisecond, 5*time.Second,
		fnStrategy{"slow", func(ctx context.Context, d string) strategy.Finding {
			<-ctx.Done()
			return strategy.Finding{URLs: []string{"https://" + d + "/"}}
		}},
	)

	result := ladder.Extract(context.Background(), "slow.ru")

	assert.True(t, result.TimedOut())
	assert.Equal(t, []string{"https://slow.ru/"}, result.AttemptedURLs)
	require.Len(t, result.Log, 1)
	assert.Equal(t, strategy.OutcomeTimeout, result.Log[0].Outcome)
}

func TestLadder_DomainDeadlineMarksRemaining(t *testing.T) {
	t.Parallel()

	var secondCalled atomic.Bool
	ladder := strategy.NewLadder(time.Second, 30*time.Millisecond,
		fnStrategy{"slow", func(ctx context.Context, d string) strategy.Finding {
			<-ctx.Done()
			return strategy.Finding{URLs: []string{"https://" + d + "/"}, Err: ctx.Err()}
		}},
		fnStrategy{"never", func(context.Context, string) strategy.Finding {
			secondCalled.Store(true)
			return strategy.Finding{}
		}},
	)

	result := ladder.Extract(context.Background(), "late.ru")

	assert.False(t, secondCalled.Load())
	assert.True(t, result.TimedOut())
	require.Len(t, result.Log, 2)
	assert.Equal(t, strategy.OutcomeTimeout, result.Log[1].Outcome)
	assert.NotEmpty(t, result.AttemptedURLs)
}

func TestLadder_ErrorIsKept(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	ladder := strategy.NewLadder(time.Second, time.Second,
		fnStrategy{"probe", func(context.Context, string) strategy.Finding {
			return strategy.Finding{URLs: []string{"https://c.ru/"}, Err: boom}
		}},
	)

	result := ladder.Extract(context.Background(), "c.ru")

	assert.ErrorIs(t, result.Err, boom)
	assert.Contains(t, result.Err.Error(), "probe")
	assert.Equal(t, strategy.OutcomeError, result.Log[0].Outcome)
	assert.Equal(t, "connection refused", result.Log[0].Err)
}

func TestLadder_Names(t *testing.T) {
	t.Parallel()

	ladder := strategy.NewLadder(time.Second, time.Second,
		strategy.NewHTTPProbe(nil, 15, 5),
		strategy.NewAPISniff(nil),
		strategy.NewBrowser(nil, nil),
	)
	assert.Equal(t, []string{strategy.NameHTTPProbe, strategy.NameAPISniff, strategy.NameBrowser}, ladder.Names())
}

const filler = `<p>Производство и оптовая поставка промышленного оборудования по всей России.
Собственный склад, доставка транспортными компаниями, гарантия на всю продукцию.
Работаем с юридическими лицами и индивидуальными предпринимателями с 2009 года.</p>`

func newSite(t *testing.T, pages map[string]string) (*httptest.Server, *int32) {
	t.Helper()

	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if strings.HasPrefix(strings.TrimSpace(body), "{") {
			w.Header().Set("Content-Type", "application/json")
		} else {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		}
		fmt.Fprint(w, body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func siteDomain(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestHTTPProbe_FollowsContactLink(t *testing.T) {
	t.Parallel()

	srv, _ := newSite(t, map[string]string{
		"/":         `<html><body><nav><a href="/kontakty">Контакты</a><a href="https://vk.com/contacts">VK</a></nav>` + filler + `</body></html>`,
		"/kontakty": `<html><body><p>ООО «Поставщик», ИНН 7707083893</p><a href="mailto:sales@newsupplier.ru">Написать</a></body></html>`,
		"/contacts": `<html><body>should not be needed</body></html>`,
	})
	fetcher := strategy.NewFetcher("", 2*time.Second, nil)
	probe := strategy.NewHTTPProbe(fetcher, 15, 5)

	finding := probe.Attempt(context.Background(), siteDomain(srv))

	require.NoError(t, finding.Err)
	assert.Equal(t, []string{"7707083893"}, finding.INNs)
	assert.Equal(t, []string{"sales@newsupplier.ru"}, finding.Emails)
	assert.Equal(t, srv.URL+"/kontakty", finding.INNSource)
	assert.Contains(t, finding.URLs, "https://"+siteDomain(srv)+"/")
	assert.Contains(t, finding.URLs, srv.URL+"/")
	assert.Contains(t, finding.URLs, srv.URL+"/kontakty")
	assert.NotContains(t, finding.URLs, srv.URL+"/contacts")
}

func TestHTTPProbe_CommonPathsAndPageLimit(t *testing.T) {
	t.Parallel()

	srv, _ := newSite(t, map[string]string{
		"/": `<html><body>` + filler + `</body></html>`,
	})
	fetcher := strategy.NewFetcher("", 2*time.Second, nil)
	probe := strategy.NewHTTPProbe(fetcher, 4, 5)

	finding := probe.Attempt(context.Background(), siteDomain(srv))

	assert.NoError(t, finding.Err)
	assert.Empty(t, finding.INNs)
	assert.Empty(t, finding.Emails)
	// https + http home, then three common paths
	assert.Len(t, finding.URLs, 5)
	assert.Contains(t, finding.URLs, srv.URL+"/contacts")
}

func TestHTTPProbe_JSRequiredNote(t *testing.T) {
	t.Parallel()

	srv, _ := newSite(t, map[string]string{
		"/": `<html><body><div id="root"></div><script src="/app.js"></script></body></html>`,
	})
	fetcher := strategy.NewFetcher("", 2*time.Second, nil)
	probe := strategy.NewHTTPProbe(fetcher, 1, 5)

	finding := probe.Attempt(context.Background(), siteDomain(srv))
	assert.Equal(t, strategy.NoteJSRequired, finding.Note)
}

func TestHTTPProbe_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	d := siteDomain(srv)
	srv.Close()

	fetcher := strategy.NewFetcher("", time.Second, nil)
	finding := strategy.NewHTTPProbe(fetcher, 15, 5).Attempt(context.Background(), d)

	assert.Error(t, finding.Err)
	assert.Equal(t, []string{"https://" + d + "/", "http://" + d + "/"}, finding.URLs)
}

func TestAPISniff_NextDataAndEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newSite(t, map[string]string{
		"/": `<html><body><div id="__next"></div>
<script id="__NEXT_DATA__" type="application/json">{"props":{"pageProps":{"company":{"inn":"7707083893"}}}}</script>
<script>fetch("/api/v1/company/contacts").then(r => r.json())</script>
</body></html>`,
		"/api/v1/company/contacts": `{"data":{"email":"Office@NewSupplier.ru","phone":"+7 495 000-00-00"}}`,
	})
	fetcher := strategy.NewFetcher("", 2*time.Second, nil)

	finding := strategy.NewAPISniff(fetcher).Attempt(context.Background(), siteDomain(srv))

	require.NoError(t, finding.Err)
	assert.Equal(t, []string{"7707083893"}, finding.INNs)
	assert.Equal(t, []string{"office@newsupplier.ru"}, finding.Emails)
	assert.Equal(t, srv.URL+"/api/v1/company/contacts", finding.EmailSource)
	assert.Contains(t, finding.URLs, srv.URL+"/api/v1/company/contacts")
}

func TestFromJSON(t *testing.T) {
	t.Parallel()

	found, err := strategy.FromJSON([]byte(`{"org":{"taxID":7712345671,"contacts":[{"mail":"buh@newsupplier.ru"}]},"note":"ИНН 5027001233"}`))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"7712345671", "5027001233"}, found.INNs)
	assert.Equal(t, []string{"buh@newsupplier.ru"}, found.Emails)

	_, err = strategy.FromJSON([]byte(`not json`))
	assert.Error(t, err)
}

func TestEmbeddedData_LDJSON(t *testing.T) {
	t.Parallel()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<html><head>
<script type="application/ld+json">{"@type":"Organization","taxID":"7801002002","email":"mailto:hello@newsupplier.ru"}</script>
</head><body></body></html>`))
	require.NoError(t, err)

	found := strategy.EmbeddedData(doc)
	assert.Equal(t, []string{"7801002002"}, found.INNs)
	assert.Equal(t, []string{"hello@newsupplier.ru"}, found.Emails)
}

func TestDiscoverEndpoints(t *testing.T) {
	t.Parallel()

	base, _ := url.Parse("https://shop.ru/")
	endpoints := strategy.DiscoverEndpoints(base,
		`axios.get('/api/contacts'); load("/static/about.js"); fetch("https://other.ru/api/company")`,
		"fetch(`/api/requisites?lang=ru`)",
	)
	assert.Equal(t, []string{"https://shop.ru/api/contacts", "https://shop.ru/api/requisites?lang=ru"}, endpoints)
}

type fakeRenderer struct {
	mu       sync.Mutex
	pages    map[string]string
	rendered []string
	inflight int32
	peak     int32
	delay    time.Duration
}

func (r *fakeRenderer) Render(ctx context.Context, target string) (string, error) {
	n := atomic.AddInt32(&r.inflight, 1)
	defer atomic.AddInt32(&r.inflight, -1)
	for {
		peak := atomic.LoadInt32(&r.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&r.peak, peak, n) {
			break
		}
	}

	r.mu.Lock()
	r.rendered = append(r.rendered, target)
	html, ok := r.pages[target]
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if !ok {
		return "", errors.New("net::ERR_NAME_NOT_RESOLVED")
	}
	return html, nil
}

func TestBrowser_RendersHomeThenContact(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{pages: map[string]string{
		"http://spa.ru/":         `<html><body><a href="/contacts">Контакты</a><p>email: team@spa-supplier.ru</p></body></html>`,
		"http://spa.ru/contacts": `<html><body><table><tr><td>ИНН</td><td>5406003001</td></tr></table></body></html>`,
	}}
	var inflight int32
	browser := strategy.NewBrowser(renderer, semaphore.NewWeighted(1)).OnInflight(func(delta int) {
		atomic.AddInt32(&inflight, int32(delta))
	})

	finding := browser.Attempt(context.Background(), "spa.ru")

	require.NoError(t, finding.Err)
	assert.Equal(t, []string{"5406003001"}, finding.INNs)
	assert.Equal(t, []string{"team@spa-supplier.ru"}, finding.Emails)
	assert.Equal(t, []string{"https://spa.ru/", "http://spa.ru/", "http://spa.ru/contacts"}, finding.URLs)
	assert.Equal(t, int32(0), atomic.LoadInt32(&inflight))
}

func TestBrowser_DisabledIsSkipped(t *testing.T) {
	t.Parallel()

	finding := strategy.NewBrowser(nil, nil).Attempt(context.Background(), "spa.ru")
	assert.True(t, finding.Skipped)
	assert.Empty(t, finding.URLs)
}

func TestBrowser_SemaphoreBoundsRenders(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{delay: 20 * time.Millisecond, pages: map[string]string{}}
	for i := 0; i < 6; i++ {
		renderer.pages[fmt.Sprintf("https://site%d.ru/", i)] = `<html><body>` + filler + `</body></html>`
	}
	browser := strategy.NewBrowser(renderer, semaphore.NewWeighted(2))

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			browser.Attempt(context.Background(), fmt.Sprintf("site%d.ru", i))
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&renderer.peak), int32(2))
}

func TestBrowser_AcquireHonoursDeadline(t *testing.T) {
	t.Parallel()

	sem := semaphore.NewWeighted(1)
	require.True(t, sem.TryAcquire(1))
	defer sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	finding := strategy.NewBrowser(&fakeRenderer{}, sem).Attempt(ctx, "busy.ru")
	assert.ErrorIs(t, finding.Err, context.DeadlineExceeded)
}

func TestHostLimiter(t *testing.T) {
	t.Parallel()

	limiter := strategy.NewHostLimiter(1000, 1)
	ctx := context.Background()
	require.NoError(t, limiter.Wait(ctx, "a.shop.ru"))
	require.NoError(t, limiter.Wait(ctx, "b.shop.ru"))
	require.NoError(t, limiter.Wait(ctx, "other.ru"))
	assert.Equal(t, 2, limiter.Count())

	slow := strategy.NewHostLimiter(0.001, 1)
	require.NoError(t, slow.Wait(ctx, "shop.ru"))
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.Error(t, slow.Wait(short, "shop.ru"))
}
