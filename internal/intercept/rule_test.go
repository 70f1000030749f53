package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobToRegexp(t *testing.T) {
	cases := []struct {
		glob, url string
		want      bool
	}{
		{"**/api/v0/chat/completion", "https://chat.deepseek.com/api/v0/chat/completion", true},
		{"**/api/v0/chat/completion", "https://chat.deepseek.com/api/v0/chat/completion/extra", false},
		{"**/api/chat/*/completion/stream", "https://www.kimi.com/api/chat/abc123/completion/stream", true},
		{"**/api/chat/*/completion/stream", "https://www.kimi.com/api/chat/a/b/completion/stream", false},
		{"**/api/v2/chat/completions*", "https://chat.qwen.ai/api/v2/chat/completions?chat_id=1", true},
		{"https://x.test/a?c", "https://x.test/abc", true},
		{"https://x.test/a.c", "https://x.test/abc", false},
	}
	for _, tc := range cases {
		re, err := GlobToRegexp(tc.glob)
		require.NoError(t, err)
		assert.Equal(t, tc.want, re.MatchString(tc.url), "%s vs %s", tc.glob, tc.url)
	}
}

func TestCompileOrdersByPriorityThenDeclaration(t *testing.T) {
	set, err := Compile([]Rule{
		{Name: "late", Pattern: "**/api/**", Action: ActionObserve, Priority: 10},
		{Name: "first", Pattern: "**/api/**", Action: ActionObserve, Priority: 0},
		{Name: "second", Pattern: "**/api/**", Action: ActionBlock, Priority: 0},
	})
	require.NoError(t, err)

	names := []string{}
	for _, r := range set.Rules() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"first", "second", "late"}, names)

	r, ok := set.Match("GET", "https://x.test/api/v1")
	require.True(t, ok)
	assert.Equal(t, "first", r.Name, "first match wins")
}

func TestMatchHonoursMethod(t *testing.T) {
	set, err := Compile([]Rule{
		{Name: "post-only", Method: "POST", Pattern: "**/completion", Action: ActionObserve},
	})
	require.NoError(t, err)

	_, ok := set.Match("GET", "https://x.test/completion")
	assert.False(t, ok)
	_, ok = set.Match("post", "https://x.test/completion")
	assert.True(t, ok)
	_, ok = set.Match("POST", "https://x.test/other")
	assert.False(t, ok, "unmatched traffic has no rule")
}

func TestPatternsAreDistinctBrowserGlobs(t *testing.T) {
	set, err := Compile([]Rule{
		{Name: "a", Pattern: "**/api/chat/*/completion/stream", Action: ActionObserve},
		{Name: "b", Pattern: "**/api/chat/*/completion/stream", Action: ActionModify},
		{Name: "c", Pattern: "**/telemetry/**", Action: ActionBlock},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"*/api/chat/*/completion/stream*", "*/telemetry/*"}, set.Patterns())
}

func TestMatchIgnoresQueryAndFragment(t *testing.T) {
	set, err := Compile([]Rule{
		{Name: "completion", Method: "POST", Pattern: "**/api/v0/chat/completion", Action: ActionObserve},
	})
	require.NoError(t, err)

	for _, u := range []string{
		"https://chat.deepseek.com/api/v0/chat/completion",
		"https://chat.deepseek.com/api/v0/chat/completion?x=1",
		"https://chat.deepseek.com/api/v0/chat/completion?x=1&y=/a/b",
		"https://chat.deepseek.com/api/v0/chat/completion#frag",
	} {
		_, ok := set.Match("POST", u)
		assert.True(t, ok, u)
	}
	_, ok := set.Match("POST", "https://chat.deepseek.com/api/v0/chat/completion/extra?x=1")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	_, err := Compile([]Rule{{Name: "x", Pattern: "**", Action: "teleport"}})
	assert.Error(t, err)
	_, err = Compile([]Rule{{Name: "x", Action: ActionObserve}})
	assert.Error(t, err)
	_, err = Compile([]Rule{{Name: "x", Pattern: "**", Action: ActionBlock, Capture: true}})
	assert.Error(t, err)
	_, err = Compile([]Rule{{Pattern: "**", Action: ActionBlock}})
	assert.Error(t, err)
}
