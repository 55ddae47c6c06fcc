package reconciler

import (
	"errors"
	"regexp"
	"strings"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
)

var (
	// ErrScriptEmpty rejects scripts with no content to execute.
	ErrScriptEmpty = errors.New("script is empty")
	// ErrScriptAmbiguous rejects scripts importing both execution engines.
	ErrScriptAmbiguous = errors.New("script imports both k6 and playwright")
)

// Import forms that bind a script to an execution engine. Only real module
// imports count: the substring "k6" in a comment or URL must not reroute a
// browser test onto the load-test queue.
var (
	k6ImportRE  = regexp.MustCompile(`(?m)^\s*import\s+(?:[^'"]*\s+from\s+)?['"]k6(?:/[^'"]*)?['"]`)
	k6RequireRE = regexp.MustCompile(`require\(\s*['"]k6(?:/[^'"]*)?['"]\s*\)`)

	playwrightImportRE  = regexp.MustCompile(`(?m)^\s*import\s+(?:[^'"]*\s+from\s+)?['"](?:@playwright/test|playwright)(?:/[^'"]*)?['"]`)
	playwrightRequireRE = regexp.MustCompile(`require\(\s*['"](?:@playwright/test|playwright)(?:/[^'"]*)?['"]\s*\)`)
)

// ClassifyScript routes a script to the task kind that can execute it.
// Scripts importing the k6 module namespace are load tests; everything
// else, including scripts with no telltale import at all, runs as a
// browser test. A script importing both engines is rejected rather than
// guessed at.
func ClassifyScript(script string) (domain.TaskKind, error) {
	if strings.TrimSpace(script) == "" {
		return "", ErrScriptEmpty
	}

	k6 := k6ImportRE.MatchString(script) || k6RequireRE.MatchString(script)
	playwright := playwrightImportRE.MatchString(script) || playwrightRequireRE.MatchString(script)

	if k6 && playwright {
		return "", ErrScriptAmbiguous
	}
	if k6 {
		return domain.TaskKindLoadTest, nil
	}
	return domain.TaskKindBrowserTest, nil
}
