// Package site drives weather.com inside an execution context. It owns every
// selector and page flow; the orchestrator above it only sees typed errors.
package site

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/scrape"
)

const (
	privacyFrameSel = "iframe[id^='sp_message_iframe']"

	searchInputSel = "#headerSearch_LocationSearch_input"
	searchOpenSel  = `button[aria-label="Search"], span[class*="searchIcon"]`
	suggestionSel  = `button[id^="headerSearch_LocationSearch_listbox"]`

	todayURLMarker = "/weather/today"
	tempMarkerSel  = ".CurrentConditions--tempValue--zUBSz"

	conditionsSel    = `div[data-testid="CurrentConditionsContainer"]`
	tempValueSel     = `[data-testid="TemperatureValue"]`
	phraseSel        = `[data-testid="wxPhrase"]`
	hiLoSel          = `.CurrentConditions--tempHiLoValue--Og9IG [data-testid="TemperatureValue"]`
	detailsSel       = `section[data-testid="TodaysDetailsModule"]`
	feelsLikeSel     = `[data-testid="FeelsLikeSection"] [data-testid="TemperatureValue"]`
	detailItemSel    = `[data-testid="WeatherDetailsListItem"]`
	detailLabelSel   = `[data-testid="WeatherDetailsLabel"]`
	detailValueSel   = `[data-testid="wxData"]`
	pressureValueSel = `[data-testid="PressureValue"]`

	loginEmailSel    = "#loginEmail"
	loginPasswordSel = "#loginPassword"
	loginSubmitSel   = `button[type="submit"]`
	loginErrorSel    = `div[class*="MemberLoginForm--serverError"]`

	favoritesBarSel   = `div[aria-label="Saved Locations"]`
	favoriteCardSel   = "div.styles--card--R1sP3"
	favoriteStarOnSel = "button.FavoriteStar--isFavorite--ytnei"
	favoriteNameSel   = "span.styles--locationName--zoGXR"
	suggestionStarSel = `button[class*="FavoriteStar--favoriteIcon"]`
)

const (
	bannerWait        = 1500 * time.Millisecond
	suggestionWait    = 5 * time.Second
	loginFormWait     = 10 * time.Second
	loginConfirmWait  = 15 * time.Second
	favoritesBarWait  = 10 * time.Second
	favoriteCardWait  = 5 * time.Second
	togglePropagation = 2 * time.Second
)

// Site implements the orchestrator's driver against weather.com
type Site struct {
	baseURL    string
	navTimeout time.Duration
	logger     *zap.Logger
}

// New creates a driver for the given site base URL
func New(baseURL string, navTimeout time.Duration, logger *zap.Logger) *Site {
	if baseURL == "" {
		baseURL = "https://weather.com"
	}
	if navTimeout <= 0 {
		navTimeout = 20 * time.Second
	}
	return &Site{
		baseURL:    strings.TrimRight(baseURL, "/"),
		navTimeout: navTimeout,
		logger:     logger,
	}
}

// navigate loads a URL and clears the consent banner
func (s *Site) navigate(ctx context.Context, page *rod.Page, url string) error {
	p := page.Context(ctx).Timeout(s.navTimeout)
	if err := p.Navigate(url); err != nil {
		return transient(err, "navigation failed")
	}
	if err := p.WaitLoad(); err != nil {
		return transient(err, "page load timed out")
	}
	s.dismissPrivacyBanner(page)
	return nil
}

// dismissPrivacyBanner accepts the consent dialog when it shows up. A
// missing or already-dismissed banner is not an error.
func (s *Site) dismissPrivacyBanner(page *rod.Page) {
	frameEl, err := page.Timeout(bannerWait).Element(privacyFrameSel)
	if err != nil {
		return
	}
	frame, err := frameEl.Frame()
	if err != nil {
		return
	}
	accept, err := frame.Timeout(bannerWait).ElementR("button", "/accept/i")
	if err != nil {
		return
	}
	if err := accept.Click(proto.InputMouseButtonLeft, 1); err == nil {
		s.logger.Debug("privacy banner dismissed")
	}
}

// openSearch brings up the header search box, which hides behind an icon on
// some layouts
func (s *Site) openSearch(page *rod.Page) (*rod.Element, error) {
	if has, box, err := page.Has(searchInputSel); err == nil && has {
		return box, nil
	}
	if btn, err := page.Timeout(2 * time.Second).Element(searchOpenSel); err == nil {
		_ = btn.Click(proto.InputMouseButtonLeft, 1)
	}
	box, err := page.Timeout(s.navTimeout).Element(searchInputSel)
	if err != nil {
		return nil, transient(err, "search box not available")
	}
	return box, nil
}

// typeQuery focuses the search box and replaces its contents with the query
func (s *Site) typeQuery(page *rod.Page, query string) error {
	box, err := s.openSearch(page)
	if err != nil {
		return err
	}
	if err := box.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return transient(err, "failed to focus search box")
	}
	_ = box.SelectAllText()
	if err := box.Input(query); err != nil {
		return transient(err, "failed to type query")
	}
	return nil
}

// suggestionList waits for the search dropdown and returns its entries. No
// entries within the wait is an empty list, not an error.
func (s *Site) suggestionList(page *rod.Page, wait time.Duration) (rod.Elements, error) {
	if _, err := page.Timeout(wait).Element(suggestionSel); err != nil {
		return nil, nil
	}
	els, err := page.Elements(suggestionSel)
	if err != nil {
		return nil, transient(err, "failed to read suggestions")
	}
	return els, nil
}

// openToday searches for the subject and lands on its today page
func (s *Site) openToday(ctx context.Context, page *rod.Page, subject string) error {
	if err := s.navigate(ctx, page, s.baseURL); err != nil {
		return err
	}
	if err := s.typeQuery(page, subject); err != nil {
		return err
	}
	items, err := s.suggestionList(page, suggestionWait)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: %q", scrape.ErrSubjectNotFound, subject)
	}

	if err := items[0].Click(proto.InputMouseButtonLeft, 1); err != nil {
		// The dropdown re-renders as results stream in and can swallow the
		// click; Enter selects the top suggestion too
		if box, berr := page.Timeout(2 * time.Second).Element(searchInputSel); berr == nil {
			_ = box.Type(input.Enter)
		}
	}

	if err := s.waitForURL(ctx, page, todayURLMarker, s.navTimeout); err != nil {
		return err
	}
	if _, err := page.Context(ctx).Timeout(s.navTimeout).Element(tempMarkerSel); err != nil {
		return markup("today page loaded without a temperature reading")
	}
	return nil
}

// waitForURL polls until the page URL contains the marker
func (s *Site) waitForURL(ctx context.Context, page *rod.Page, marker string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if info, err := page.Info(); err == nil && strings.Contains(info.URL, marker) {
			return nil
		}
		select {
		case <-ctx.Done():
			return transient(ctx.Err(), "navigation interrupted")
		case <-time.After(250 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: page never reached %s", scrape.ErrTransientFetch, marker)
}

// elementRoot is the shared lookup surface of rod pages and elements
type elementRoot interface {
	Has(selector string) (bool, *rod.Element, error)
}

// textOf returns the normalized text of the first match under root, or ""
func textOf(root elementRoot, sel string) string {
	has, el, err := root.Has(sel)
	if err != nil || !has {
		return ""
	}
	return elText(el)
}

func elText(el *rod.Element) string {
	text, err := el.Text()
	if err != nil {
		return ""
	}
	return normalizeSpace(text)
}

func transient(err error, what string) error {
	return fmt.Errorf("%w: %s: %v", scrape.ErrTransientFetch, what, err)
}

func markup(what string) error {
	return fmt.Errorf("%w: %s", scrape.ErrMarkupMismatch, what)
}
