package site

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/skybridge-io/skybridge/internal/engine"
	"github.com/skybridge-io/skybridge/internal/scrape"
	"github.com/skybridge-io/skybridge/pkg/models"
)

// Login signs the execution context in through the site's login form. A
// context the site already recognizes as signed in succeeds immediately.
func (s *Site) Login(ctx context.Context, ec *engine.ExecutionContext, email, password string) error {
	page := ec.Page().Context(ctx)
	if err := s.navigate(ctx, page, s.baseURL+"/login"); err != nil {
		return err
	}

	emailEl, err := page.Timeout(loginFormWait).Element(loginEmailSel)
	if err != nil {
		// No form in sight; if the site bounced us off /login this
		// context is already signed in
		if info, ierr := page.Info(); ierr == nil && !strings.Contains(info.URL, "/login") {
			s.logger.Debug("context already authenticated, skipping login form")
			return nil
		}
		return transient(err, "login form not available")
	}

	_ = emailEl.SelectAllText()
	if err := emailEl.Input(email); err != nil {
		return transient(err, "failed to enter email")
	}
	passEl, err := page.Timeout(5 * time.Second).Element(loginPasswordSel)
	if err != nil {
		return transient(err, "password field not available")
	}
	_ = passEl.SelectAllText()
	if err := passEl.Input(password); err != nil {
		return transient(err, "failed to enter password")
	}
	submit, err := page.Timeout(5 * time.Second).Element(loginSubmitSel)
	if err != nil {
		return transient(err, "submit button not available")
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return transient(err, "failed to submit login form")
	}

	// The site either shows an inline error or navigates away from /login.
	// Poll for whichever happens first.
	deadline := time.Now().Add(loginConfirmWait)
	for time.Now().Before(deadline) {
		if has, banner, herr := page.Has(loginErrorSel); herr == nil && has {
			msg := elText(banner)
			if msg == "" {
				msg = "credentials rejected"
			}
			return fmt.Errorf("%w: %s", scrape.ErrAuthenticationFailed, msg)
		}
		if info, ierr := page.Info(); ierr == nil && !strings.Contains(info.URL, "/login") {
			return nil
		}
		select {
		case <-ctx.Done():
			return transient(ctx.Err(), "login interrupted")
		case <-time.After(500 * time.Millisecond):
		}
	}

	// Neither a redirect nor an error banner. Claiming success here could
	// leave the session believing it is signed in when it is not.
	return fmt.Errorf("%w: login outcome could not be confirmed", scrape.ErrAuthenticationFailed)
}

// Favorites reads the saved locations bar on the home page. The bar mixes
// recent searches with saved locations; only entries with a filled star
// count.
func (s *Site) Favorites(ctx context.Context, ec *engine.ExecutionContext) ([]models.Favorite, error) {
	page := ec.Page().Context(ctx)
	if err := s.navigate(ctx, page, s.baseURL); err != nil {
		return nil, err
	}

	bar, err := page.Context(ctx).Timeout(favoritesBarWait).Element(favoritesBarSel)
	if err != nil {
		// The bar only renders once account sync finishes; no bar means
		// nothing saved yet
		return []models.Favorite{}, nil
	}
	// Cards hydrate after the bar appears
	_, _ = page.Timeout(favoriteCardWait).Element(favoriteCardSel)

	cards, err := bar.Elements(favoriteCardSel)
	if err != nil {
		return nil, transient(err, "failed to read saved locations")
	}

	out := make([]models.Favorite, 0, len(cards))
	for _, card := range cards {
		if has, _, herr := card.Has(favoriteStarOnSel); herr != nil || !has {
			continue
		}
		name := textOf(card, favoriteNameSel)
		if name == "" {
			continue
		}
		out = append(out, models.Favorite{Name: name})
	}
	return out, nil
}

// SetFavorite toggles the star on the subject's search suggestion. The
// caller verifies the outcome by re-reading the list, since the star state
// propagates to the account asynchronously.
func (s *Site) SetFavorite(ctx context.Context, ec *engine.ExecutionContext, subject string, add bool) error {
	page := ec.Page().Context(ctx)
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

	star, err := page.Timeout(5 * time.Second).Element(suggestionStarSel)
	if err != nil {
		return markup("suggestion list has no favorite toggle")
	}
	if err := star.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return transient(err, "failed to click favorite toggle")
	}

	// Give the account sync a moment before the caller re-reads the list
	select {
	case <-ctx.Done():
		return transient(ctx.Err(), "favorite toggle interrupted")
	case <-time.After(togglePropagation):
	}
	return nil
}
