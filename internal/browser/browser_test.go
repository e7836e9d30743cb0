package browser

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/searchguard/internal/engine"
	"github.com/JakeFAU/searchguard/internal/observer"
)

type resolution struct {
	id int64
	d  observer.Decision
}

func testTab(t *testing.T) (*Tab, *[]resolution, *sync.Mutex) {
	t.Helper()
	tab := newTab(context.Background(), "T1", time.Second, nil)
	var (
		mu  sync.Mutex
		got []resolution
	)
	tab.resolve = func(id int64, d observer.Decision) {
		mu.Lock()
		got = append(got, resolution{id: id, d: d})
		mu.Unlock()
	}
	return tab, &got, &mu
}

func TestScript(t *testing.T) {
	t.Parallel()

	src, err := Script(engine.InputSelectors, engine.WatchSelector)
	require.NoError(t, err)
	require.Contains(t, src, `const BINDING = '__searchguardEmit';`)
	require.Contains(t, src, `"#sb_form_q"`)
	require.Contains(t, src, `const WATCH = 'form, input[name=\"q\"], input[name=\"p\"]';`)
	require.NotContains(t, src, "__SELECTORS__")
	require.NotContains(t, src, "__WATCH__")
}

func TestDecodeKeypress(t *testing.T) {
	t.Parallel()

	tab, got, mu := testTab(t)
	sig, err := tab.decode(`{"kind":"keypress","id":7,"text":" foo ","composing":false}`)
	require.NoError(t, err)
	require.Equal(t, observer.SignalKeypress, sig.Kind)
	require.Equal(t, " foo ", sig.Text)
	require.NotNil(t, sig.Reply)

	sig.Reply(observer.Block)
	sig.Reply(observer.Allow)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []resolution{{id: 7, d: observer.Block}}, *got, "a reply resolves exactly once")
}

func TestDecodeSubmit(t *testing.T) {
	t.Parallel()

	tab, _, _ := testTab(t)
	sig, err := tab.decode(`{"kind":"submit","id":2,"fields":[{"tag":"INPUT","name":"q","type":"text","value":"x"}]}`)
	require.NoError(t, err)
	require.Equal(t, observer.SignalSubmit, sig.Kind)
	require.Equal(t, "x", observer.QueryFromForm(sig.Fields))
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	tab, _, _ := testTab(t)
	_, err := tab.decode(`not json`)
	require.Error(t, err)
	_, err = tab.decode(`{"kind":"scroll"}`)
	require.Error(t, err)

	sig, err := tab.decode(`{"kind":"mutation"}`)
	require.NoError(t, err)
	require.Equal(t, observer.SignalMutation, sig.Kind)
	require.Nil(t, sig.Reply)
}

func TestOnEvent(t *testing.T) {
	t.Parallel()

	tab, _, _ := testTab(t)
	tab.onEvent(&runtime.EventBindingCalled{Name: "other", Payload: `{"kind":"mutation"}`})
	tab.onEvent(&page.EventFrameNavigated{Frame: &cdp.Frame{ParentID: "main", URL: "https://ads.example/"}})
	tab.onEvent(&runtime.EventBindingCalled{Name: bindingName, Payload: `{"kind":"mutation"}`})
	tab.onEvent(&page.EventFrameNavigated{Frame: &cdp.Frame{URL: "https://www.google.com/search?q=a"}})
	tab.onEvent(&page.EventNavigatedWithinDocument{URL: "https://www.google.com/search?q=b"})

	want := []observer.Signal{
		{Kind: observer.SignalMutation},
		{Kind: observer.SignalNavigated, URL: "https://www.google.com/search?q=a", NewDocument: true},
		{Kind: observer.SignalNavigated},
	}
	for _, w := range want {
		select {
		case sig := <-tab.Signals():
			require.Equal(t, w.Kind, sig.Kind)
			require.Equal(t, w.URL, sig.URL)
			require.Equal(t, w.NewDocument, sig.NewDocument)
		default:
			t.Fatalf("missing signal %+v", w)
		}
	}
	require.Empty(t, tab.Signals())
}

func TestSendAfterCloseAllows(t *testing.T) {
	t.Parallel()

	tab, got, mu := testTab(t)
	tab.closeSignals()
	tab.closeSignals()
	tab.onEvent(&runtime.EventBindingCalled{Name: bindingName, Payload: `{"kind":"keypress","id":3,"text":"x"}`})

	_, open := <-tab.Signals()
	require.False(t, open)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []resolution{{id: 3, d: observer.Allow}}, *got)
}

func TestFullQueueAllows(t *testing.T) {
	t.Parallel()

	tab, got, mu := testTab(t)
	for i := 0; i < signalDepth; i++ {
		tab.send(observer.Signal{Kind: observer.SignalMutation})
	}
	tab.onEvent(&runtime.EventBindingCalled{Name: bindingName, Payload: `{"kind":"submit","id":9}`})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []resolution{{id: 9, d: observer.Allow}}, *got)
}

func TestSelectTargets(t *testing.T) {
	t.Parallel()

	infos := []*target.Info{
		{TargetID: "a", Type: "page", URL: "https://www.google.com/search?q=x"},
		{TargetID: "b", Type: "page", URL: "chrome://newtab/"},
		{TargetID: "c", Type: "service_worker", URL: "https://www.google.com/sw.js"},
		{TargetID: "d", Type: "page", URL: "https://duckduckgo.com/"},
		{TargetID: "e", Type: "page", URL: "https://www.bing.com/"},
		nil,
	}
	tracked := map[target.ID]*Tab{"a": nil}

	got := selectTargets(infos, engine.Default(), tracked, 0)
	ids := make([]string, 0, len(got))
	for _, info := range got {
		ids = append(ids, string(info.TargetID))
	}
	require.Equal(t, "d,e", strings.Join(ids, ","))

	capped := selectTargets(infos, engine.Default(), tracked, 2)
	require.Len(t, capped, 1)
	require.Equal(t, target.ID("d"), capped[0].TargetID)
}

func TestOpenValidates(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{}, nil, nil)
	require.Error(t, err)
	_, err = Open(Config{MaxTabs: -1}, engine.Default(), nil)
	require.Error(t, err)

	b, err := Open(Config{RemoteURL: "ws://127.0.0.1:9222/devtools/browser/x"}, engine.Default(), nil)
	require.NoError(t, err)
	defer b.Close()
	require.Empty(t, b.Tabs())
	require.ErrorIs(t, b.Navigate(context.Background(), "missing", "http://x"), ErrUnknownTab)
}
