package qwen

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/traylinx/webrelay/internal/browser"
	"github.com/traylinx/webrelay/internal/browser/browsertest"
	"github.com/traylinx/webrelay/internal/engine"
	"github.com/traylinx/webrelay/internal/intercept"
	"github.com/traylinx/webrelay/internal/provider"
	"github.com/traylinx/webrelay/internal/session"
)

const stream = "data: {\"response.created\":{\"chat_id\":\"c\",\"response_id\":\"r\"}}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"plan\",\"phase\":\"think\",\"status\":\"typing\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"\",\"phase\":\"think\",\"status\":\"finished\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"he\",\"phase\":\"answer\",\"status\":\"typing\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"llo\",\"phase\":\"answer\",\"status\":\"typing\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"\",\"phase\":\"answer\",\"status\":\"finished\"}}]}\n\n"

func chatSession(t *testing.T) (*session.Session, *browsertest.Page) {
	t.Helper()
	l := &browsertest.Launcher{}
	bctx, err := l.NewContext(context.Background())
	require.NoError(t, err)
	page := bctx.(*browsertest.Context).FakePage()
	page.SetElement("textarea#chat-input", &browsertest.Element{})
	page.SetElement("button#send-message-button", &browsertest.Element{})
	return session.New(ID, bctx), page
}

func collect(t *testing.T, a *Adapter, corr, body string) []engine.NormalizedChunk {
	t.Helper()
	out, err := a.Decode(corr, &engine.WireMessage{Body: []byte(body)})
	require.NoError(t, err)
	tail, err := a.Close(corr)
	require.NoError(t, err)
	return append(out, tail...)
}

func joined(chunks []engine.NormalizedChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Delta)
	}
	return b.String()
}

func TestInterfaces(t *testing.T) {
	var _ provider.Adapter = (*Adapter)(nil)
	var _ provider.Aborter = (*Adapter)(nil)
	var _ intercept.Rewriter = (*Adapter)(nil)
	var _ intercept.Synthesizer = (*Adapter)(nil)

	_, err := intercept.Compile(New(provider.Options{}).Rules())
	require.NoError(t, err)
}

func TestDecode(t *testing.T) {
	a := New(provider.Options{})
	chunks := collect(t, a, "c1", stream)
	assert.Equal(t, "hello", joined(chunks))
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.Equal(t, engine.FinishStop, last.FinishReason)
	assert.Equal(t, "c1", last.CorrelationID)

	a = New(provider.Options{Behavior: provider.Behavior{SendThinking: true}})
	assert.Equal(t, "<think>plan</think>hello", joined(collect(t, a, "c2", stream)))
}

func TestDecodeFinishReason(t *testing.T) {
	a := New(provider.Options{})
	chunks := collect(t, a, "c1", "data: {\"choices\":[{\"delta\":{\"content\":\"cut\"},\"finish_reason\":\"length\"}]}\n\n")
	require.Len(t, chunks, 2)
	assert.Equal(t, engine.FinishLength, chunks[1].FinishReason)
}

func TestDecodeErrors(t *testing.T) {
	a := New(provider.Options{})
	_, err := a.Decode("c1", &engine.WireMessage{Body: []byte("data: {\"choices\":[]}\n\n")})
	assert.ErrorIs(t, err, engine.ErrResponseParse)

	_, err = a.Decode("c2", &engine.WireMessage{Body: []byte("data: {\"choices\":[{\"index\":0}]}\n\n")})
	assert.ErrorIs(t, err, engine.ErrResponseParse, "delta is required")

	_, err = a.Decode("c3", &engine.WireMessage{Body: []byte("data: {\"error\":{\"code\":\"RateLimited\",\"details\":\"slow down\"}}\n\n")})
	assert.ErrorIs(t, err, engine.ErrProviderBlocked)
}

func TestDecodeUnknownFormatIsParseError(t *testing.T) {
	a := New(provider.Options{})
	body := "data: {\"response.created\":{\"chat_id\":\"c\"}}\n\n" +
		"data: {\"output\":{\"text\":\"hello\",\"finish\":true}}\n\n"
	out, err := a.Decode("c1", &engine.WireMessage{Body: []byte(body)})
	require.NoError(t, err)
	assert.Empty(t, out)
	_, err = a.Close("c1")
	assert.ErrorIs(t, err, engine.ErrResponseParse)

	_, err = a.Decode("c2", &engine.WireMessage{Body: []byte(`{"success":false,"data":{"code":"Bad_Request"}}`)})
	require.NoError(t, err)
	_, err = a.Close("c2")
	assert.ErrorIs(t, err, engine.ErrResponseParse, "a plain JSON body is not a stream")
}

func TestEncodeSendsPlaceholderAndRewriteInjectsPrompt(t *testing.T) {
	s, page := chatSession(t)
	a := New(provider.Options{})
	req := &engine.NormalizedRequest{
		CorrelationID: "c1",
		Model:         "qwen3-thinking",
		Messages: []engine.Message{
			{Role: engine.RoleSystem, Content: "terse"},
			{Role: engine.RoleUser, Content: "hi"},
		},
	}
	require.NoError(t, a.Encode(context.Background(), req, s))
	assert.Equal(t, []string{
		"navigate:" + DefaultURL,
		"fill:textarea#chat-input=" + Placeholder,
		"click:button#send-message-button",
	}, page.Actions())

	wire := []byte(`{"stream":true,"messages":[{"role":"user","content":".","chat_type":"t2t","feature_config":{"thinking_enabled":false}}]}`)
	body, err := a.Rewrite("c1", intercept.Rule{}, &engine.WireMessage{Body: wire})
	require.NoError(t, err)
	assert.Equal(t, "system: terse\nuser: hi", gjson.GetBytes(body, "messages.0.content").String())
	assert.True(t, gjson.GetBytes(body, "messages.0.feature_config.thinking_enabled").Bool())
	assert.Equal(t, "t2t", gjson.GetBytes(body, "messages.0.chat_type").String())
	assert.True(t, gjson.GetBytes(body, "stream").Bool(), "other fields untouched")

	_, _ = a.Close("c1")
	_, err = a.Rewrite("c1", intercept.Rule{}, &engine.WireMessage{Body: wire})
	assert.Error(t, err, "pending prompt is dropped on close")
}

func TestRewriteRejectsUnexpectedBody(t *testing.T) {
	a := New(provider.Options{})
	a.pending.Put("c1", pending{prompt: "x"})
	_, err := a.Rewrite("c1", intercept.Rule{}, &engine.WireMessage{Body: []byte(`{"prompt":"x"}`)})
	assert.Error(t, err)
}

func TestSynthesizeSuggestions(t *testing.T) {
	resp, err := New(provider.Options{}).Synthesize("c1", intercept.Rule{}, &engine.WireMessage{})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.True(t, gjson.GetBytes(resp.Body, "data.suggestions").IsArray())
}

func TestAuth(t *testing.T) {
	s, page := chatSession(t)
	a := New(provider.Options{})

	page.SetURL(DefaultURL)
	page.EvalFunc = func(string, ...any) (string, error) { return "true", nil }
	ok, err := a.IsAuthValid(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, ok)

	page.EvalFunc = func(string, ...any) (string, error) { return "false", nil }
	ok, _ = a.IsAuthValid(context.Background(), s)
	assert.False(t, ok, "no token in storage")

	page.SetURL(DefaultURL + "auth?action=signin")
	ok, _ = a.IsAuthValid(context.Background(), s)
	assert.False(t, ok)
}

func TestAutoLoginOpensSignIn(t *testing.T) {
	s, page := chatSession(t)
	page.SetURL(DefaultURL)
	page.SetElement("form", &browsertest.Element{})
	page.SetElement("input[type='email']", &browsertest.Element{})
	page.SetElement("input[type='password']", &browsertest.Element{})
	page.SetElement("button[type='submit']", &browsertest.Element{})
	page.OnClick = func(t browser.Target) {
		if t.CSS == "button[type='submit']" {
			page.SetURL(DefaultURL + "c/new")
		}
	}
	a := New(provider.Options{Credentials: provider.Credentials{AutoLogin: true, Email: "a@b.c", Password: "pw"}})
	require.NoError(t, a.Login(context.Background(), s))
	assert.Equal(t, "navigate:"+DefaultURL+"auth?action=signin", page.Actions()[0])
}
