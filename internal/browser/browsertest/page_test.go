package browsertest

import (
	"context"
	"errors"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scout-cli/api/schemas"
)

const home = `<html><head><title>Home</title></head><body>
<a id="about-link" href="/about">About</a>
<button id="open" data-obscured>Open</button>
<button id="ghost" data-inert>Ghost</button>
<form id="login" action="/welcome"><input name="user"><input type="checkbox" name="remember"><button type="submit">Go</button></form>
<select id="size"><option value="s">Small</option><option value="l">Large</option></select>
</body></html>`

func newTestPage(t *testing.T, site *Site) *Page {
	t.Helper()
	p, err := NewEngine("fake", site).NewPage(context.Background())
	require.NoError(t, err)
	return p.(*Page)
}

func TestPageNavigationAndHistory(t *testing.T) {
	ctx := context.Background()
	site := NewSite().
		AddPage("https://app.test/", home).
		AddPage("https://app.test/about", `<html><head><title>About</title></head><body></body></html>`)
	p := newTestPage(t, site)

	require.NoError(t, p.Navigate(ctx, "https://app.test/"))
	assert.ErrorIs(t, p.NavigateBack(ctx), ErrNoHistory)

	require.NoError(t, p.Click(ctx, "#about-link", schemas.ClickScript))
	u, _ := p.URL(ctx)
	assert.Equal(t, "https://app.test/about", u)
	title, _ := p.Title(ctx)
	assert.Equal(t, "About", title)

	require.NoError(t, p.NavigateBack(ctx))
	u, _ = p.URL(ctx)
	assert.Equal(t, "https://app.test/", u)
	assert.Equal(t, 2, site.Visits("https://app.test/"))
}

func TestPageClickModes(t *testing.T) {
	ctx := context.Background()
	site := NewSite().AddPage("https://app.test/", home)
	p := newTestPage(t, site)
	require.NoError(t, p.Navigate(ctx, "https://app.test/"))

	assert.Error(t, p.Click(ctx, "#open", schemas.ClickStandard), "obscured elements reject standard clicks")
	assert.NoError(t, p.Click(ctx, "#open", schemas.ClickForced))

	assert.Error(t, p.Click(ctx, "#ghost", schemas.ClickForced))
	assert.NoError(t, p.Click(ctx, "#ghost", schemas.ClickScript))

	assert.ErrorContains(t, p.Click(ctx, "#missing", schemas.ClickScript), "no element matches")
}

func TestPageHandlersMutateState(t *testing.T) {
	ctx := context.Background()
	site := NewSite().AddPage("https://app.test/", home)
	site.OnClick("https://app.test/", "#open", func(p *Page) error {
		p.Mutate(func(doc *goquery.Document) {
			doc.Find("body").AppendHtml(`<div role="dialog"><input id="q"></div>`)
		})
		return nil
	})
	p := newTestPage(t, site)
	require.NoError(t, p.Navigate(ctx, "https://app.test/"))

	n, err := p.Count(ctx, `[role="dialog"] input`)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, p.Click(ctx, "#open", schemas.ClickForced))
	n, _ = p.Count(ctx, `[role="dialog"] input`)
	assert.Equal(t, 1, n)

	require.NoError(t, p.Fill(ctx, "#q", "shoes"))
	assert.Equal(t, "shoes", p.Value("#q"))
}

func TestPageFormControls(t *testing.T) {
	ctx := context.Background()
	site := NewSite().
		AddPage("https://app.test/", home).
		AddPage("https://app.test/welcome", `<html><head><title>Welcome</title></head></html>`)
	p := newTestPage(t, site)
	require.NoError(t, p.Navigate(ctx, "https://app.test/"))

	require.NoError(t, p.SelectOption(ctx, "#size", "Large"))
	assert.Equal(t, "l", p.Value("#size"))
	assert.Error(t, p.SelectOption(ctx, "#size", "XL"))

	require.NoError(t, p.Check(ctx, `[name="remember"]`))
	assert.Error(t, p.Fill(ctx, "#size", "x"), "selects are not fillable")

	require.NoError(t, p.Submit(ctx, `[name="user"]`))
	u, _ := p.URL(ctx)
	assert.Equal(t, "https://app.test/welcome", u)
}

func TestFailureInjection(t *testing.T) {
	ctx := context.Background()
	shotErr := errors.New("gpu crashed")
	site := NewSite().
		AddPage("https://app.test/", home).
		FailNavigation("https://app.test/", 1).
		FailScreenshots(shotErr)
	p := newTestPage(t, site)

	assert.Error(t, p.Navigate(ctx, "https://app.test/"))
	assert.NoError(t, p.Navigate(ctx, "https://app.test/"), "only the first attempt fails")

	_, err := p.Screenshot(ctx)
	assert.ErrorIs(t, err, shotErr)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, p.Navigate(cancelled, "https://app.test/"), context.Canceled)

	require.NoError(t, p.Close())
	_, err = p.URL(ctx)
	assert.Error(t, err)
}
