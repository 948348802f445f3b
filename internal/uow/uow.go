package uow

import (
	"context"
	"fmt"
	"time"

	"payflow/internal/domain"
	"payflow/internal/repository"
	"payflow/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Aggregate 工作单元可以跟踪的聚合
type Aggregate interface {
	IsNew() bool
	Touch(now time.Time)
	Events() []domain.Event
	ClearEvents()
}

// EventHandler 提交成功后在进程内收到领域事件
type EventHandler func(ctx context.Context, event domain.Event)

// Factory 为每个请求创建独立的工作单元
type Factory struct {
	db       *gorm.DB
	seq      idgen.Sequence
	topic    string
	handlers []EventHandler
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Factory)

// WithEventTopic 发件箱消息的 Kafka topic
func WithEventTopic(topic string) Option {
	return func(f *Factory) { f.topic = topic }
}

func WithEventHandler(h EventHandler) Option {
	return func(f *Factory) { f.handlers = append(f.handlers, h) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(f *Factory) { f.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(f *Factory) { f.now = now }
}

func NewFactory(db *gorm.DB, seq idgen.Sequence, opts ...Option) *Factory {
	f := &Factory{
		db:     db,
		seq:    seq,
		topic:  "payflow.events",
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// New 创建工作单元；调用方负责 defer Close()
func (f *Factory) New() *UnitOfWork {
	return &UnitOfWork{factory: f}
}

// UnitOfWork 把多个聚合的修改放在同一个数据库事务里提交
//
// 一个工作单元同一时刻只能有一个打开的事务，不支持嵌套。
// Commit / Rollback 每个事务只能调用一次；Close 时事务仍未结束则自动回滚。
type UnitOfWork struct {
	factory    *Factory
	tx         *gorm.DB
	tracked    []Aggregate
	hooks      []func()
	savepoints int
}

// Begin 开启事务
func (u *UnitOfWork) Begin(ctx context.Context) error {
	if u.tx != nil {
		return domain.IllegalStatef("事务已开启，不支持嵌套事务")
	}
	tx := u.factory.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("开启事务失败: %w", tx.Error)
	}
	u.tx = tx
	u.tracked = nil
	u.hooks = nil
	u.savepoints = 0
	return nil
}

// AfterComplete 登记事务结束（提交或回滚，无论成败）后执行的回调，用于释放与事务同生命周期的锁
func (u *UnitOfWork) AfterComplete(fn func()) {
	u.hooks = append(u.hooks, fn)
}

func (u *UnitOfWork) runHooks() {
	hooks := u.hooks
	u.hooks = nil
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// InTransaction 是否有打开的事务
func (u *UnitOfWork) InTransaction() bool {
	return u.tx != nil
}

// Track 登记需要在提交时持久化的聚合，重复登记只保留一次
func (u *UnitOfWork) Track(aggregates ...Aggregate) {
	for _, a := range aggregates {
		if a == nil || u.isTracked(a) {
			continue
		}
		u.tracked = append(u.tracked, a)
	}
}

func (u *UnitOfWork) isTracked(a Aggregate) bool {
	for _, t := range u.tracked {
		if t == a {
			return true
		}
	}
	return false
}

// Flush 在保存点内立即写入聚合的当前状态，事务保持打开
//
// 写入失败时回滚到保存点并返回错误，事务里之前的修改不受影响，聚合也不会被登记。
// 成功后聚合被登记，Commit 时写入后续修改和领域事件。
func (u *UnitOfWork) Flush(ctx context.Context, a Aggregate) error {
	if u.tx == nil {
		return domain.IllegalStatef("没有打开的事务")
	}
	u.savepoints++
	name := fmt.Sprintf("flush_%d", u.savepoints)
	if err := u.tx.SavePoint(name).Error; err != nil {
		return fmt.Errorf("创建保存点失败: %w", err)
	}

	a.Touch(u.factory.now())
	if err := u.flush(ctx, u.tx, a); err != nil {
		if rbErr := u.tx.RollbackTo(name).Error; rbErr != nil {
			return fmt.Errorf("回滚到保存点失败: %v: %w", rbErr, err)
		}
		return err
	}
	u.Track(a)
	return nil
}

// Commit 提交事务
// 顺序：Touch → 持久化聚合 → 事件写入发件箱 → 提交 → 清空聚合事件 → 通知进程内订阅者
// 任何一步失败都会回滚，事务随之结束
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.tx == nil {
		return domain.IllegalStatef("没有可提交的事务")
	}
	tx := u.tx
	tracked := u.tracked
	u.tx = nil
	u.tracked = nil
	defer u.runHooks()

	now := u.factory.now()
	var events []domain.Event
	for _, a := range tracked {
		a.Touch(now)
		if err := u.flush(ctx, tx, a); err != nil {
			tx.Rollback()
			return err
		}
		events = append(events, a.Events()...)
	}

	if err := repository.NewOutboxRepository(tx).AddEvents(ctx, u.factory.topic, events); err != nil {
		tx.Rollback()
		return fmt.Errorf("写入发件箱失败: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}

	for _, a := range tracked {
		a.ClearEvents()
	}
	u.dispatch(ctx, events)
	return nil
}

// Rollback 回滚事务，聚合上未提交的事件一并丢弃
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return domain.IllegalStatef("没有可回滚的事务")
	}
	tx := u.tx
	for _, a := range u.tracked {
		a.ClearEvents()
	}
	u.tx = nil
	u.tracked = nil
	defer u.runHooks()
	if err := tx.Rollback().Error; err != nil {
		return fmt.Errorf("回滚事务失败: %w", err)
	}
	return nil
}

// Close 释放工作单元，未结束的事务自动回滚
func (u *UnitOfWork) Close() {
	if u.tx == nil {
		return
	}
	if err := u.Rollback(); err != nil {
		u.factory.logger.Error("工作单元自动回滚失败", zap.Error(err))
		return
	}
	u.factory.logger.Debug("工作单元未显式结束，已自动回滚")
}

func (u *UnitOfWork) flush(ctx context.Context, tx *gorm.DB, a Aggregate) error {
	switch agg := a.(type) {
	case *domain.Payment:
		repo := repository.NewPaymentRepository(tx, u.factory.seq)
		if agg.IsNew() {
			return repo.Add(ctx, agg)
		}
		return repo.Update(ctx, agg)
	case *domain.Wallet:
		repo := repository.NewWalletRepository(tx)
		if agg.IsNew() {
			return repo.Add(ctx, agg)
		}
		return repo.Update(ctx, agg)
	default:
		return fmt.Errorf("不支持的聚合类型 %T", a)
	}
}

func (u *UnitOfWork) dispatch(ctx context.Context, events []domain.Event) {
	for _, e := range events {
		for _, h := range u.factory.handlers {
			u.safeHandle(ctx, h, e)
		}
	}
}

func (u *UnitOfWork) safeHandle(ctx context.Context, h EventHandler, e domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			u.factory.logger.Error("事件处理器 panic",
				zap.String("event", e.Name),
				zap.String("aggregate_key", e.AggregateKey),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, e)
}

// db 事务内返回事务句柄，否则返回普通连接
func (u *UnitOfWork) db() *gorm.DB {
	if u.tx != nil {
		return u.tx
	}
	return u.factory.db
}

func (u *UnitOfWork) Payments() repository.PaymentRepository {
	return repository.NewPaymentRepository(u.db(), u.factory.seq)
}

func (u *UnitOfWork) Wallets() repository.WalletRepository {
	return repository.NewWalletRepository(u.db())
}

func (u *UnitOfWork) WalletTransactions() repository.WalletTransactionRepository {
	return repository.NewWalletTransactionRepository(u.db())
}
