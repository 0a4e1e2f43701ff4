package feedsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHttpTimeout = 30 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// CoreApi talks to the local core service that owns feeds, chat, and the
// push event endpoint.
type CoreApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string

	httpClient *http.Client
}

func NewCoreApi(apiUrl string) *CoreApi {
	return NewCoreApiWithContext(context.Background(), apiUrl)
}

func NewCoreApiWithContext(ctx context.Context, apiUrl string) *CoreApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &CoreApi{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     apiUrl,
		httpClient: defaultClient(),
	}
}

// this gets attached to api calls that need it
func (self *CoreApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *CoreApi) Close() {
	self.cancel()
}

// one page of a feed, newest first. An empty `Next` means no more pages.
type FeedPage struct {
	Items []*FeedItem `json:"items"`
	Next  string      `json:"next,omitempty"`
}

// FeedFetcher is the pagination surface a list controller needs.
// Retry is the controller's responsibility; fetch failures propagate as-is.
type FeedFetcher interface {
	// cursor "" means first page, newest items first
	FetchPage(ctx context.Context, cursor string, limit int) (*FeedPage, error)
	// lightweight poll for items newer than what's known.
	// does not consume the pagination cursor.
	FetchNewest(ctx context.Context, limit int) ([]*FeedItem, error)
}

// CoreFeed is one paginated feed scope on the core service
type CoreFeed struct {
	api  *CoreApi
	path string
}

func (self *CoreApi) Feed(kind string, targetId string) *CoreFeed {
	var path string
	switch kind {
	case KindTimeline:
		path = "/_fedi3/timeline/home"
	case KindNotification:
		path = "/_fedi3/notifications"
	case KindInbox:
		path = "/_fedi3/timeline/unified"
	case KindChat:
		path = fmt.Sprintf("/_fedi3/chat/threads/%s", url.PathEscape(targetId))
	default:
		path = fmt.Sprintf("/_fedi3/timeline/%s", url.PathEscape(kind))
	}
	return self.FeedForPath(path)
}

func (self *CoreApi) FeedForPath(path string) *CoreFeed {
	return &CoreFeed{
		api:  self,
		path: path,
	}
}

func (self *CoreFeed) FetchPage(ctx context.Context, cursor string, limit int) (*FeedPage, error) {
	values := url.Values{}
	values.Set("limit", fmt.Sprintf("%d", limit))
	if cursor != "" {
		values.Set("cursor", cursor)
	}
	fetchUrl := fmt.Sprintf("%s%s?%s", self.api.apiUrl, self.path, values.Encode())
	return get(ctx, self.api.httpClient, fetchUrl, self.api.byJwt, &FeedPage{}, NewNoopApiCallback[*FeedPage]())
}

func (self *CoreFeed) FetchNewest(ctx context.Context, limit int) ([]*FeedItem, error) {
	page, err := self.FetchPage(ctx, "", limit)
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

// auxiliary chat calls, consumed opaquely by the host. These are
// pass-through collaborators; the engine does not interpret the results.

type ChatSeenCallback = apiCallback[*ChatSeenResult]

type ChatSeenArgs struct {
	ThreadId string `json:"thread_id"`
	ItemId   string `json:"item_id,omitempty"`
	SeenMs   int64  `json:"seen_ms,omitempty"`
}

type ChatSeenResult struct {
	Updated bool `json:"updated,omitempty"`
}

func (self *CoreApi) MarkSeen(markSeen *ChatSeenArgs, callback ChatSeenCallback) {
	go post(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/_fedi3/chat/seen", self.apiUrl),
		markSeen,
		self.byJwt,
		&ChatSeenResult{},
		callback,
	)
}

type ChatTypingCallback = apiCallback[*ChatTypingResult]

type ChatTypingArgs struct {
	ThreadId string `json:"thread_id"`
}

type ChatTypingResult struct {
	Accepted bool `json:"accepted,omitempty"`
}

func (self *CoreApi) SendTyping(typing *ChatTypingArgs, callback ChatTypingCallback) {
	go post(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/_fedi3/chat/typing", self.apiUrl),
		typing,
		self.byJwt,
		&ChatTypingResult{},
		callback,
	)
}

type ChatReactCallback = apiCallback[*ChatReactResult]

type ChatReactArgs struct {
	ThreadId string `json:"thread_id"`
	ItemId   string `json:"item_id"`
	Emoji    string `json:"emoji"`
	Remove   bool   `json:"remove,omitempty"`
}

type ChatReactResult struct {
	Updated bool `json:"updated,omitempty"`
}

func (self *CoreApi) React(react *ChatReactArgs, callback ChatReactCallback) {
	go post(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/_fedi3/chat/react", self.apiUrl),
		react,
		self.byJwt,
		&ChatReactResult{},
		callback,
	)
}

type ThreadMembersCallback = apiCallback[*ThreadMembersResult]

type ThreadMember struct {
	ActorId string `json:"actor"`
	Role    string `json:"role,omitempty"`
}

type ThreadMembersResult struct {
	Members []*ThreadMember `json:"members"`
}

func (self *CoreApi) ThreadMembers(threadId string, callback ThreadMembersCallback) {
	values := url.Values{}
	values.Set("thread_id", threadId)
	go get(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/_fedi3/chat/thread/members?%s", self.apiUrl, values.Encode()),
		self.byJwt,
		&ThreadMembersResult{},
		callback,
	)
}

func post[R any](ctx context.Context, client *http.Client, postUrl string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", postUrl, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, client *http.Client, getUrl string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", getUrl, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Accept", "application/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
