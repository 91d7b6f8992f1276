package acquire

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

const defaultInspectTimeout = 30 * time.Second

const titleScript = `(async () => {
	const meta = document.querySelector('meta[property="og:title"], meta[name="title"]');
	return meta && meta.content ? meta.content : document.title;
})()`

// PageInspector reads video page metadata with headless Chrome
type PageInspector struct {
	timeout time.Duration
	opts    []chromedp.ExecAllocatorOption
}

// NewPageInspector creates an inspector that gives up on a page after timeout.
func NewPageInspector(timeout time.Duration) *PageInspector {
	if timeout <= 0 {
		timeout = defaultInspectTimeout
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("autoplay-policy", "user-gesture-required"),
	)
	return &PageInspector{timeout: timeout, opts: opts}
}

// Title loads url and returns the page's title.
func (p *PageInspector) Title(ctx context.Context, url string) (string, error) {
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, p.opts...)
	defer cancel()
	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()
	browserCtx, cancel = context.WithTimeout(browserCtx, p.timeout)
	defer cancel()

	log.Infof("Reading page title: %s", url)

	var title string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Evaluate(titleScript, &title, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to read page: %w", err)
	}

	title = strings.TrimSpace(strings.TrimSuffix(title, " - YouTube"))
	if title == "" {
		return "", fmt.Errorf("page has no title")
	}
	return title, nil
}
