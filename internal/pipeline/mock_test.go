package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/bizzybee90/bizzybee/pkg/anthropic"
	"github.com/bizzybee90/bizzybee/pkg/firecrawl"
	"github.com/bizzybee90/bizzybee/pkg/geocode"
	"github.com/bizzybee90/bizzybee/pkg/jina"
	"github.com/bizzybee90/bizzybee/pkg/nylas"
)

// mockNylas serves folders and messages from memory. ListMessages pages with
// an integer offset as the page token.
type mockNylas struct {
	mu       sync.Mutex
	folders  []nylas.Folder
	messages map[string][]nylas.Message // folder ID -> messages
	bodies   map[string]*nylas.Message  // message ID -> full message

	listErr  error
	getErr   map[string]error // per message ID
	failOnce map[string]error // per message ID, consumed on first fetch
	fetches  int
}

func newMockNylas() *mockNylas {
	return &mockNylas{
		messages: map[string][]nylas.Message{},
		bodies:   map[string]*nylas.Message{},
		getErr:   map[string]error{},
		failOnce: map[string]error{},
	}
}

func (m *mockNylas) addFolder(id, name string, attrs ...string) {
	m.folders = append(m.folders, nylas.Folder{ID: id, Name: name, Attributes: attrs})
}

func (m *mockNylas) addMessage(folderID string, msg nylas.Message) {
	m.messages[folderID] = append(m.messages[folderID], nylas.Message{ID: msg.ID, Subject: msg.Subject})
	full := msg
	m.bodies[msg.ID] = &full
}

func (m *mockNylas) ListFolders(ctx context.Context, grantID string) ([]nylas.Folder, error) {
	return m.folders, nil
}

func (m *mockNylas) ListMessages(ctx context.Context, grantID string, q nylas.MessageQuery) (*nylas.MessageList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}

	all := m.messages[q.FolderID]
	offset := 0
	if q.PageToken != "" {
		offset, _ = strconv.Atoi(q.PageToken)
	}
	end := offset + q.Limit
	if end > len(all) {
		end = len(all)
	}

	out := &nylas.MessageList{Messages: all[offset:end]}
	if end < len(all) {
		out.NextCursor = strconv.Itoa(end)
	}
	return out, nil
}

func (m *mockNylas) GetMessage(ctx context.Context, grantID, messageID string) (*nylas.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if err, ok := m.failOnce[messageID]; ok {
		delete(m.failOnce, messageID)
		return nil, err
	}
	if err, ok := m.getErr[messageID]; ok {
		return nil, err
	}
	msg, ok := m.bodies[messageID]
	if !ok {
		return nil, fmt.Errorf("no such message %q", messageID)
	}
	return msg, nil
}

// mockAnthropic answers CreateMessage and batches through a single respond
// function keyed on the user message content.
type mockAnthropic struct {
	mu       sync.Mutex
	respond  func(req anthropic.MessageRequest) (string, error)
	calls    []anthropic.MessageRequest
	batchReq *anthropic.BatchRequest
}

func newMockAnthropic(respond func(req anthropic.MessageRequest) (string, error)) *mockAnthropic {
	return &mockAnthropic{respond: respond}
}

// staticResponder answers every request with the same text.
func staticResponder(text string) func(anthropic.MessageRequest) (string, error) {
	return func(anthropic.MessageRequest) (string, error) { return text, nil }
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	text, err := m.respond(req)
	if err != nil {
		return nil, err
	}
	return &anthropic.MessageResponse{
		ID:      "msg-1",
		Model:   req.Model,
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}, nil
}

func (m *mockAnthropic) messageCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockAnthropic) lastRequest() anthropic.MessageRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

func (m *mockAnthropic) CreateBatch(ctx context.Context, req anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	m.mu.Lock()
	m.batchReq = &req
	m.mu.Unlock()
	return &anthropic.BatchResponse{ID: "batch-1", ProcessingStatus: "in_progress"}, nil
}

func (m *mockAnthropic) GetBatch(ctx context.Context, batchID string) (*anthropic.BatchResponse, error) {
	return &anthropic.BatchResponse{ID: batchID, ProcessingStatus: "ended"}, nil
}

func (m *mockAnthropic) GetBatchResults(ctx context.Context, batchID string) (anthropic.BatchResultIterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []anthropic.BatchResultItem
	if m.batchReq != nil {
		for _, r := range m.batchReq.Requests {
			text, err := m.respond(r.Params)
			if err != nil {
				items = append(items, anthropic.BatchResultItem{CustomID: r.CustomID, Type: "errored"})
				continue
			}
			items = append(items, anthropic.BatchResultItem{
				CustomID: r.CustomID,
				Type:     "succeeded",
				Message: &anthropic.MessageResponse{
					Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
				},
			})
		}
	}
	return &sliceIterator{items: items}, nil
}

type sliceIterator struct {
	items []anthropic.BatchResultItem
	pos   int
}

func (it *sliceIterator) Next() bool {
	if it.pos >= len(it.items) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Item() anthropic.BatchResultItem { return it.items[it.pos-1] }
func (it *sliceIterator) Err() error                      { return nil }
func (it *sliceIterator) Close() error                    { return nil }

// mockJina returns a fixed search result set.
type mockJina struct {
	results []jina.SearchResult
	err     error
}

func (m *mockJina) Read(ctx context.Context, targetURL string) (*jina.ReadResponse, error) {
	return &jina.ReadResponse{Code: 200}, nil
}

func (m *mockJina) Search(ctx context.Context, query string, opts ...jina.SearchOption) (*jina.SearchResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &jina.SearchResponse{Code: 200, Data: m.results}, nil
}

// mockFirecrawl serves the same page set for every crawl, completing
// immediately.
type mockFirecrawl struct {
	pages    map[string][]firecrawl.PageData // site URL -> pages
	crawlErr error
	crawls   int
	mu       sync.Mutex
	lastURL  string
}

func newMockFirecrawl() *mockFirecrawl {
	return &mockFirecrawl{pages: map[string][]firecrawl.PageData{}}
}

func (m *mockFirecrawl) Crawl(ctx context.Context, req firecrawl.CrawlRequest) (*firecrawl.CrawlResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.crawlErr != nil {
		return nil, m.crawlErr
	}
	m.crawls++
	m.lastURL = req.URL
	return &firecrawl.CrawlResponse{Success: true, ID: req.URL}, nil
}

func (m *mockFirecrawl) GetCrawlStatus(ctx context.Context, id string) (*firecrawl.CrawlStatusResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pages := m.pages[id]
	return &firecrawl.CrawlStatusResponse{Status: "completed", Total: len(pages), Data: pages}, nil
}

func (m *mockFirecrawl) Scrape(ctx context.Context, req firecrawl.ScrapeRequest) (*firecrawl.ScrapeResponse, error) {
	return &firecrawl.ScrapeResponse{Success: true}, nil
}

// mockGeocoder resolves addresses by street line.
type mockGeocoder struct {
	results map[string]geocode.Result // street -> result
}

func newMockGeocoder() *mockGeocoder {
	return &mockGeocoder{results: map[string]geocode.Result{}}
}

func (m *mockGeocoder) Geocode(ctx context.Context, addr geocode.AddressInput) (*geocode.Result, error) {
	if r, ok := m.results[addr.Street]; ok {
		out := r
		out.Matched = true
		return &out, nil
	}
	return &geocode.Result{Matched: false}, nil
}

func (m *mockGeocoder) BatchGeocode(ctx context.Context, addrs []geocode.AddressInput) ([]geocode.Result, error) {
	out := make([]geocode.Result, len(addrs))
	for i, a := range addrs {
		r, _ := m.Geocode(ctx, a)
		out[i] = *r
	}
	return out, nil
}
