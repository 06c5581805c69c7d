// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scout-cli/api/schemas"
)

var (
	_ schemas.Oracle            = (*MockOracle)(nil)
	_ schemas.BrowserEngine     = (*MockBrowserEngine)(nil)
	_ schemas.BrowserPage       = (*MockBrowserPage)(nil)
	_ schemas.ProgressPublisher = (*MockProgressPublisher)(nil)
)

// -- Oracle Mock --

// MockOracle mocks schemas.Oracle.
type MockOracle struct {
	mock.Mock
}

func (m *MockOracle) ProposeScenarios(ctx context.Context, in schemas.OracleInput) ([]schemas.ScenarioProposal, error) {
	args := m.Called(ctx, in)
	var out []schemas.ScenarioProposal
	if v := args.Get(0); v != nil {
		out = v.([]schemas.ScenarioProposal)
	}
	return out, args.Error(1)
}

// -- Browser Mocks --

// MockBrowserEngine mocks schemas.BrowserEngine.
type MockBrowserEngine struct {
	mock.Mock
}

func (m *MockBrowserEngine) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockBrowserEngine) NewPage(ctx context.Context) (schemas.BrowserPage, error) {
	args := m.Called(ctx)
	var p schemas.BrowserPage
	if v := args.Get(0); v != nil {
		p = v.(schemas.BrowserPage)
	}
	return p, args.Error(1)
}

func (m *MockBrowserEngine) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockBrowserPage mocks schemas.BrowserPage.
type MockBrowserPage struct {
	mock.Mock
}

func (m *MockBrowserPage) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockBrowserPage) NavigateBack(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockBrowserPage) URL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBrowserPage) Title(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBrowserPage) HTML(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBrowserPage) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	var b []byte
	if v := args.Get(0); v != nil {
		b = v.([]byte)
	}
	return b, args.Error(1)
}

func (m *MockBrowserPage) Count(ctx context.Context, selector string) (int, error) {
	args := m.Called(ctx, selector)
	return args.Int(0), args.Error(1)
}

func (m *MockBrowserPage) Click(ctx context.Context, selector string, mode schemas.ClickMode) error {
	return m.Called(ctx, selector, mode).Error(0)
}

func (m *MockBrowserPage) Fill(ctx context.Context, selector, value string) error {
	return m.Called(ctx, selector, value).Error(0)
}

func (m *MockBrowserPage) SelectOption(ctx context.Context, selector, value string) error {
	return m.Called(ctx, selector, value).Error(0)
}

func (m *MockBrowserPage) Check(ctx context.Context, selector string) error {
	return m.Called(ctx, selector).Error(0)
}

func (m *MockBrowserPage) Hover(ctx context.Context, selector string) error {
	return m.Called(ctx, selector).Error(0)
}

func (m *MockBrowserPage) Submit(ctx context.Context, selector string) error {
	return m.Called(ctx, selector).Error(0)
}

func (m *MockBrowserPage) Close() error {
	return m.Called().Error(0)
}

// -- Progress Mock --

// MockProgressPublisher mocks schemas.ProgressPublisher.
type MockProgressPublisher struct {
	mock.Mock
}

func (m *MockProgressPublisher) Publish(event schemas.ProgressEvent) {
	m.Called(event)
}
