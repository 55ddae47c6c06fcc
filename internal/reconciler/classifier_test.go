package reconciler

import (
	"errors"
	"testing"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
)

func TestClassifyScript(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   domain.TaskKind
	}{
		{
			name:   "playwright import",
			script: "import { test, expect } from '@playwright/test';\n\ntest('checkout', async ({ page }) => {});",
			want:   domain.TaskKindBrowserTest,
		},
		{
			name:   "playwright require",
			script: "const { chromium } = require('playwright');",
			want:   domain.TaskKindBrowserTest,
		},
		{
			name:   "k6 root import",
			script: "import { check, sleep } from 'k6';",
			want:   domain.TaskKindLoadTest,
		},
		{
			name:   "k6 subpath import",
			script: "import http from 'k6/http';\n\nexport default function () {}",
			want:   domain.TaskKindLoadTest,
		},
		{
			name:   "k6 double quoted import",
			script: `import http from "k6/http";`,
			want:   domain.TaskKindLoadTest,
		},
		{
			name:   "k6 bare import",
			script: "import 'k6/execution';",
			want:   domain.TaskKindLoadTest,
		},
		{
			name:   "k6 require",
			script: "const http = require('k6/http');",
			want:   domain.TaskKindLoadTest,
		},
		{
			name:   "k6 multiline import",
			script: "import {\n  check,\n  sleep,\n} from 'k6';",
			want:   domain.TaskKindLoadTest,
		},
		{
			name:   "k6 indented import",
			script: "  import http from 'k6/http';",
			want:   domain.TaskKindLoadTest,
		},
		{
			name:   "no telltale import defaults to browser",
			script: "console.log('hello');",
			want:   domain.TaskKindBrowserTest,
		},
		{
			name:   "k6 in a comment does not reroute",
			script: "// migrate this to k6 later\nimport { test } from '@playwright/test';",
			want:   domain.TaskKindBrowserTest,
		},
		{
			name:   "k6 in a url does not reroute",
			script: "import { test } from '@playwright/test';\ntest('docs', async ({ page }) => { await page.goto('https://k6.io'); });",
			want:   domain.TaskKindBrowserTest,
		},
		{
			name:   "k6-prefixed package is not k6",
			script: "import helpers from 'k6-utils';",
			want:   domain.TaskKindBrowserTest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ClassifyScript(tt.script)
			if err != nil {
				t.Fatalf("ClassifyScript: %v", err)
			}
			if got != tt.want {
				t.Errorf("classified as %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyScript_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   error
	}{
		{name: "empty", script: "", want: ErrScriptEmpty},
		{name: "whitespace only", script: " \n\t ", want: ErrScriptEmpty},
		{
			name:   "both engines",
			script: "import { test } from '@playwright/test';\nimport http from 'k6/http';",
			want:   ErrScriptAmbiguous,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ClassifyScript(tt.script)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got error %v, want %v", err, tt.want)
			}
		})
	}
}
