package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
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

// REST client for conversation history, search, and pinned lists.
// Results are merged into the reconciler's timelines, which dedupes by id and
// filters through the tombstone set, so a history reload can never resurrect
// a locally-deleted message.
type HistoryClient struct {
	apiUrl     string
	byJwt      string
	reconciler *Reconciler

	httpClient *http.Client
}

func NewHistoryClient(apiUrl string, byJwt string, reconciler *Reconciler) *HistoryClient {
	return &HistoryClient{
		apiUrl:     apiUrl,
		byJwt:      byJwt,
		reconciler: reconciler,
		httpClient: defaultClient(),
	}
}

// (re)loads one conversation's history and merges it.
// Returns the merged timeline snapshot.
func (self *HistoryClient) FetchHistory(ctx context.Context, conversationKey ConversationKey) ([]*Message, error) {
	messages, err := self.fetchMessages(ctx, self.conversationPath(conversationKey), nil)
	if err != nil {
		return nil, err
	}
	merged := self.reconciler.MergeHistory(conversationKey, messages)
	glog.V(1).Infof("[h]history %s merged %d/%d\n", conversationKey, merged, len(messages))
	return self.reconciler.Timeline(conversationKey), nil
}

// keyword search within one conversation. Results are not merged into the
// timeline; a search hit may be far outside the loaded window.
func (self *HistoryClient) Search(ctx context.Context, conversationKey ConversationKey, keyword string) ([]*Message, error) {
	return self.fetchMessages(ctx, self.conversationPath(conversationKey)+"/search", url.Values{
		"keyword": []string{keyword},
	})
}

// the pinned messages of one conversation, merged like history
func (self *HistoryClient) FetchPinned(ctx context.Context, conversationKey ConversationKey) ([]*Message, error) {
	messages, err := self.fetchMessages(ctx, self.conversationPath(conversationKey)+"/pinned", nil)
	if err != nil {
		return nil, err
	}
	self.reconciler.MergeHistory(conversationKey, messages)
	pinned := []*Message{}
	for _, message := range self.reconciler.Timeline(conversationKey) {
		if message.Pinned {
			pinned = append(pinned, message)
		}
	}
	return pinned, nil
}

// path contract: /messages/direct/{peerId} and /messages/group/{groupId}
func (self *HistoryClient) conversationPath(conversationKey ConversationKey) string {
	if conversationKey.IsGroup() {
		return "/messages/group/" + url.PathEscape(conversationKey.GroupId)
	}
	return "/messages/direct/" + url.PathEscape(conversationKey.PeerId)
}

func (self *HistoryClient) fetchMessages(ctx context.Context, path string, query url.Values) ([]*Message, error) {
	requestUrl := self.apiUrl + path
	if 0 < len(query) {
		requestUrl += "?" + query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestUrl, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+self.byJwt)

	response, err := self.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history fetch %s: status %d", path, response.StatusCode)
	}

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}

	var wires []wireMessage
	if err := json.Unmarshal(data, &wires); err != nil {
		return nil, err
	}

	receivedAt := time.Now()
	messages := make([]*Message, len(wires))
	for i := range wires {
		messages[i] = wires[i].toMessage(self.reconciler.LocalUserId(), receivedAt)
	}
	return messages, nil
}
