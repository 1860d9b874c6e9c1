package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/douhashi/nagare/internal/logger"
)

// DocumentVersion はストア文書のスキーマバージョン
const DocumentVersion = 1

// ErrCorrupted はストア文書が読み取り不能であることを表す
var ErrCorrupted = errors.New("issue store document is corrupted")

// Document はストア文書全体を表す
// ダッシュボード等の外部オブザーバーはこのファイルを読み取り専用で参照する
type Document struct {
	Version     int                     `json:"version"`
	LastUpdated time.Time               `json:"lastUpdated"`
	Issues      map[string]*IssueRecord `json:"issues"`
}

// NewDocument は空のDocumentを作成する
func NewDocument(now time.Time) *Document {
	return &Document{
		Version:     DocumentVersion,
		LastUpdated: now,
		Issues:      make(map[string]*IssueRecord),
	}
}

// Issue は指定番号のIssueRecordを返す
func (d *Document) Issue(number int) (*IssueRecord, bool) {
	r, ok := d.Issues[strconv.Itoa(number)]
	return r, ok
}

// SetIssue はIssueRecordを格納する
func (d *Document) SetIssue(r *IssueRecord) {
	if d.Issues == nil {
		d.Issues = make(map[string]*IssueRecord)
	}
	d.Issues[strconv.Itoa(r.Number)] = r
}

// SortedIssues はIssue番号順のレコード一覧を返す
func (d *Document) SortedIssues() []*IssueRecord {
	records := make([]*IssueRecord, 0, len(d.Issues))
	for _, r := range d.Issues {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Number < records[j].Number
	})
	return records
}

// Store はIssue進捗の永続化を担う
// 書き込みは単一のミューテックスで直列化され、read-modify-writeは
// 一時ファイルへの書き込みとリネームでアトミックに行われる
type Store struct {
	fs          afero.Fs
	path        string
	mu          sync.Mutex
	logger      logger.Logger
	broadcaster *Broadcaster
	now         func() time.Time
}

// Option はStoreの設定オプション
type Option func(*Store)

// WithClock は現在時刻の取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithBroadcaster は更新通知の配信先を設定する
func WithBroadcaster(b *Broadcaster) Option {
	return func(s *Store) {
		s.broadcaster = b
	}
}

// New は新しいStoreを作成する
func New(fs afero.Fs, path string, log logger.Logger, opts ...Option) *Store {
	s := &Store{
		fs:     fs,
		path:   path,
		logger: log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path はストア文書のパスを返す
func (s *Store) Path() string {
	return s.path
}

// Load はストア文書を読み込む
// ファイルが存在しない場合は空のDocumentを返す
// 読み取り不能な場合はErrCorruptedを返し、呼び出し側がRebuildへ回す
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (*Document, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDocument(s.now()), nil
		}
		return nil, fmt.Errorf("failed to read issue store: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if doc.Issues == nil {
		doc.Issues = make(map[string]*IssueRecord)
	}
	return &doc, nil
}

// Update はread-modify-writeを単一ライターとして実行する
// fnがエラーを返した場合は書き込みを行わない
func (s *Store) Update(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}

	if err := fn(doc); err != nil {
		return err
	}

	doc.Version = DocumentVersion
	doc.LastUpdated = s.now()

	if err := s.persist(doc); err != nil {
		return err
	}

	if s.broadcaster != nil {
		s.broadcaster.Publish(Event{Type: EventUpdated, Document: doc})
	}
	return nil
}

// Replace はストア文書を丸ごと置き換える（再構築用）
func (s *Store) Replace(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc.Version = DocumentVersion
	doc.LastUpdated = s.now()
	if err := s.persist(doc); err != nil {
		return err
	}
	if s.broadcaster != nil {
		s.broadcaster.Publish(Event{Type: EventRebuilt, Document: doc})
	}
	return nil
}

// persist は一時ファイルへの書き込みとリネームでアトミックに永続化する
func (s *Store) persist(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal issue store: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := s.fs.Rename(tmpPath, s.path); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	s.logger.Debug("Issue store persisted", "path", s.path, "issues", len(doc.Issues))
	return nil
}
