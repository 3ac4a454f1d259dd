//go:build ruleguard

// Package gorules holds the ruleguard checks run by golangci-lint over QuestVision.
package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// WaitGroupGo reports the manual Add/Done pattern that sync.WaitGroup.Go replaces.
func WaitGroupGo(m dsl.Matcher) {
	m.Match(
		`$wg.Add(1); go func() { defer $wg.Done(); $*body }()`,
	).
		Where(m["wg"].Type.Is("*sync.WaitGroup") || m["wg"].Type.Is("sync.WaitGroup")).
		Report("use $wg.Go(func() { $body }) instead of manual Add/Done").
		Suggest("$wg.Go(func() { $body })")
}

// TestingContext reports detached contexts in tests, which outlive the test and leak
// background training runs.
func TestingContext(m dsl.Matcher) {
	m.Match(
		`$ctx := context.Background()`,
		`$ctx := context.TODO()`,
		`$fn(context.Background(), $*args)`,
		`$fn(context.TODO(), $*args)`,
	).
		Where(m.File().Name.Matches(`_test\.go$`)).
		Report("in tests, use t.Context() instead of a detached context")
}

// StdErrors keeps error construction on the categorized errors package outside of it.
func StdErrors(m dsl.Matcher) {
	m.Import("errors")
	m.Match(`errors.New($msg)`).
		Where(m.File().PkgPath.Matches(`questvision/internal/(questions|reconcile|training|vision)`) &&
			!m.File().Name.Matches(`_test\.go$`) &&
			!m.File().Imports("github.com/tphakala/questvision/internal/errors")).
		Report("use internal/errors so the failure carries a component and category")
}

// DefaultHTTPClient reports use of the shared default client; vision calls go through
// internal/httpclient for timeouts and metrics.
func DefaultHTTPClient(m dsl.Matcher) {
	m.Match(
		`http.DefaultClient`,
		`http.Get($*_)`,
		`http.Post($*_)`,
	).
		Where(!m.File().Name.Matches(`_test\.go$`)).
		Report("use internal/httpclient instead of the default HTTP client")
}

// PrintInLibrary reports direct printing from internal packages; they log through
// internal/logger and leave output to cmd.
func PrintInLibrary(m dsl.Matcher) {
	m.Match(
		`fmt.Println($*_)`,
		`fmt.Printf($*_)`,
		`log.Printf($*_)`,
		`log.Println($*_)`,
	).
		Where(m.File().PkgPath.Matches(`questvision/internal/`) && !m.File().Name.Matches(`_test\.go$`)).
		Report("log through internal/logger instead of printing")
}
