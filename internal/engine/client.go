package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Client is the narrow surface the supervisor needs from the automation
// engine. Production uses the rod-backed client from Dial; tests substitute
// fakes to simulate crashes without a browser.
type Client interface {
	NewContext(ctx context.Context) (*rod.Browser, *rod.Page, error)
	CloseContext(ec *ExecutionContext) error
	Ping(ctx context.Context) error
	Close() error
}

// Connector dials the engine at a control URL and returns a connected client
type Connector func(ctx context.Context, controlURL string) (Client, error)

// Dial connects to the engine's DevTools endpoint. HTTP URLs are resolved to
// their websocket debugger address first.
func Dial(ctx context.Context, controlURL string) (Client, error) {
	u := controlURL
	if strings.HasPrefix(u, "http") {
		resolved, err := launcher.ResolveURL(u)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve engine control URL: %w", err)
		}
		u = resolved
	}

	browser := rod.New().ControlURL(u).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to engine: %w", err)
	}

	// The connection outlives the dial context
	return &rodClient{browser: browser.Context(context.Background())}, nil
}

type rodClient struct {
	browser *rod.Browser
}

// NewContext creates an incognito browser context with a single blank page.
// The returned handles are rebound to the client's lifetime so they survive
// the acquire deadline.
func (c *rodClient) NewContext(ctx context.Context) (*rod.Browser, *rod.Page, error) {
	inc, err := c.browser.Context(ctx).Incognito()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create incognito context: %w", err)
	}
	inc = inc.Context(context.Background())

	page, err := inc.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = proto.TargetDisposeBrowserContext{BrowserContextID: inc.BrowserContextID}.Call(inc)
		return nil, nil, fmt.Errorf("failed to open page: %w", err)
	}

	return inc, page.Context(context.Background()), nil
}

// CloseContext tears down the context's page and disposes its browser
// context so the engine reclaims cookies and storage
func (c *rodClient) CloseContext(ec *ExecutionContext) error {
	if ec == nil {
		return nil
	}
	if ec.page != nil {
		_ = ec.page.Close()
	}
	if ec.browser != nil && ec.browser.BrowserContextID != "" {
		if err := proto.TargetDisposeBrowserContext{BrowserContextID: ec.browser.BrowserContextID}.Call(ec.browser); err != nil {
			return fmt.Errorf("failed to dispose browser context: %w", err)
		}
	}
	return nil
}

// Ping verifies the engine still answers protocol calls
func (c *rodClient) Ping(ctx context.Context) error {
	if _, err := c.browser.Context(ctx).Version(); err != nil {
		return fmt.Errorf("engine ping failed: %w", err)
	}
	return nil
}

func (c *rodClient) Close() error {
	return c.browser.Close()
}
