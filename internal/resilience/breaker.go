// Package resilience は外部呼び出しを保護するリトライとサーキットブレーカーを提供する。
// ニュースのドメイン知識は持たず、任意の失敗しうる処理に適用できる。
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State はサーキットブレーカーの状態を表す。
type State int

const (
	// StateClosed は呼び出しをそのまま通す状態。
	StateClosed State = iota
	// StateOpen は呼び出しを即座に失敗させる状態。
	StateOpen
	// StateHalfOpen は試行呼び出しを1回だけ許可する状態。
	StateHalfOpen
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen はブレーカーがOPENのため処理を実行しなかったことを示す。
var ErrOpen = errors.New("circuit breaker is open")

// IsOpen はエラーがブレーカーOPENによるものかを返す。
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}

// BreakerConfig はサーキットブレーカーの閾値設定。
type BreakerConfig struct {
	// FailureThreshold はOPENに遷移する連続失敗回数。
	FailureThreshold int
	// RecoveryTimeout は最後の失敗からHALF_OPENに移るまでの時間。
	RecoveryTimeout time.Duration
}

// StateChangeFunc は状態遷移時に呼ばれるコールバック。
type StateChangeFunc func(name string, from, to State)

// Breaker は1つの保護対象ごとのサーキットブレーカー。
// 状態遷移はミューテックスで直列化され、複数goroutineから安全に呼び出せる。
type Breaker struct {
	name   string
	config BreakerConfig

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	trialInFlight bool
	// generation は状態遷移ごとに進む。遷移前に開始した呼び出しの結果は反映しない。
	generation uint64

	now      func() time.Time
	onChange StateChangeFunc
}

// BreakerOption はBreakerの生成オプション。
type BreakerOption func(*Breaker)

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange は状態遷移の通知先を設定する。
func WithStateChange(fn StateChangeFunc) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// NewBreaker は新しいBreakerを生成する。
// FailureThresholdが0以下の場合は5、RecoveryTimeoutが0以下の場合は60秒を使用する。
func NewBreaker(name string, config BreakerConfig, opts ...BreakerOption) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	b := &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name は保護対象の名前を返す。
func (b *Breaker) Name() string {
	return b.name
}

// State は現在の状態を返す。
// OPENで回復時間を過ぎている場合もOPENを返し、遷移は次の呼び出しで行う。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures は連続失敗回数を返す。
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Call はブレーカーを通してopを実行する。
// OPENかつ回復時間が経過していない場合はopを呼ばずにErrOpenを返す。
// opのエラーはそのまま返す。
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	ticket, err := b.acquire()
	if err != nil {
		return err
	}

	err = op(ctx)
	b.record(ticket, err)
	return err
}

// callTicket は呼び出し開始時点の世代と、試行呼び出しかどうかを保持する。
type callTicket struct {
	generation uint64
	trial      bool
}

// acquire は呼び出し可否を判定し、必要ならHALF_OPENへ遷移する。
func (b *Breaker) acquire() (callTicket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.config.RecoveryTimeout {
			return callTicket{}, ErrOpen
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return callTicket{generation: b.generation, trial: true}, nil
	case StateHalfOpen:
		// 試行呼び出しは同時に1つだけ
		if b.trialInFlight {
			return callTicket{}, ErrOpen
		}
		b.trialInFlight = true
		return callTicket{generation: b.generation, trial: true}, nil
	}
	return callTicket{generation: b.generation}, nil
}

// record は呼び出し結果を反映する。
// 開始後に状態が遷移していた呼び出しの結果は無視する。
func (b *Breaker) record(ticket callTicket, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ticket.generation != b.generation {
		return
	}
	wasTrial := ticket.trial
	if wasTrial {
		b.trialInFlight = false
	}

	if err == nil {
		b.failures = 0
		if wasTrial {
			b.transition(StateClosed)
		}
		return
	}

	b.failures++
	b.lastFailure = b.now()

	if wasTrial || (b.state == StateClosed && b.failures >= b.config.FailureThreshold) {
		b.transition(StateOpen)
	}
}

// transition はロック保持中に呼ぶこと。
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// BreakerSet は名前ごとにBreakerを遅延生成して保持する。
// 取得元ごとのブレーカー管理に使用する。
type BreakerSet struct {
	config BreakerConfig
	opts   []BreakerOption

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerSet は新しいBreakerSetを生成する。
func NewBreakerSet(config BreakerConfig, opts ...BreakerOption) *BreakerSet {
	return &BreakerSet{
		config:   config,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get は名前に対応するBreakerを返す。存在しない場合は生成する。
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, s.config, s.opts...)
	s.breakers[name] = b
	return b
}

// States は全ブレーカーの現在の状態を返す。
func (s *BreakerSet) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make(map[string]State, len(s.breakers))
	for name, b := range s.breakers {
		states[name] = b.State()
	}
	return states
}
