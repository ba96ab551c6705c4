package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bot-farm/internal/infra/metrics"
)

// ErrAcquireTimeout возвращается, когда токен лимитера не удалось
// получить за отведённое время. Задача возвращается в очередь,
// а не отбрасывается.
var ErrAcquireTimeout = errors.New("истекло ожидание токена лимитера")

// Limiter ограничивает скорость отправки: token-bucket на каждый шард
// и необязательное общее ведро поверх них.
type Limiter struct {
	mu       sync.Mutex
	perShard map[string]*rate.Limiter

	perSecond int
	burst     int
	global    *rate.Limiter
	maxWait   time.Duration
}

// NewLimiter создаёт лимитер с потолком perSecond сообщений в секунду
// на шард. globalPerSecond <= 0 выключает общее ведро.
func NewLimiter(perSecond, globalPerSecond int, maxWait time.Duration) *Limiter {
	if perSecond <= 0 {
		perSecond = 10
	}
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	l := &Limiter{
		perShard:  make(map[string]*rate.Limiter),
		perSecond: perSecond,
		burst:     burstFor(perSecond),
		maxWait:   maxWait,
	}
	if globalPerSecond > 0 {
		l.global = rate.NewLimiter(rate.Limit(globalPerSecond), burstFor(globalPerSecond))
	}
	return l
}

// burstFor держит всплеск заметно ниже секундного потолка: ведро с
// burst == rate позволяет выдать двойную норму в первую секунду окна.
func burstFor(perSecond int) int {
	burst := perSecond / 4
	if burst < 1 {
		burst = 1
	}
	return burst
}

func (l *Limiter) shardLimiter(shard string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.perShard[shard]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.perSecond), l.burst)
		l.perShard[shard] = limiter
	}
	return limiter
}

// Acquire блокируется до получения токена, но не дольше maxWait.
// По таймауту возвращает ErrAcquireTimeout, при отменённом контексте —
// его ошибку. Шардовое ведро опрашивается первым: токен, потерянный
// на таймауте общего ведра, притормаживает только свой шард, тогда как
// утечка общего токена занижала бы потолок всем.
func (l *Limiter) Acquire(ctx context.Context, shard string) error {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	if err := l.shardLimiter(shard).Wait(waitCtx); err != nil {
		return l.classify(ctx, err)
	}
	if l.global != nil {
		if err := l.global.Wait(waitCtx); err != nil {
			return l.classify(ctx, err)
		}
	}
	metrics.RateLimitWaitSeconds.Observe(time.Since(start).Seconds())
	return nil
}

// rate.Limiter.Wait возвращает и ошибку дедлайна, и предсказание
// «ожидание превысит дедлайн» — обе трактуются как таймаут токена,
// если внешний контекст ещё жив.
func (l *Limiter) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	metrics.RateLimitRequeueTotal.Inc()
	return ErrAcquireTimeout
}
