package store

import "sync"

// EventType はストア更新イベントの種類
type EventType string

const (
	// EventUpdated は通常の更新
	EventUpdated EventType = "updated"
	// EventRebuilt は外部マーカーからの再構築
	EventRebuilt EventType = "rebuilt"
)

// Event はストア更新の通知
type Event struct {
	Type     EventType
	Document *Document
}

// Broadcaster は購読者ごとのチャネルへストア更新を配信する
// プロセスのライフサイクルと共に1度だけ構築され、配信元へ明示的に渡される
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBroadcaster は新しいBroadcasterを作成する
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[chan Event]struct{}),
	}
}

// Subscribe は購読チャネルを登録し、解除関数と共に返す
// 解除関数は多重呼び出しに安全で、チャネルをクローズする
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish は全購読者へイベントを配信する
// 受信が追いつかない購読者への配信は破棄する（ブロックしない）
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close は全購読チャネルをクローズする
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
