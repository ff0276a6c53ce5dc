package service

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

type PeriodicTask struct {
	Name    string
	Spec    string
	handler func()
	entry   cron.EntryID
}

// PeriodicService 定时任务，spec 支持秒级字段和 @every 描述符
type PeriodicService struct {
	mu    sync.Mutex
	cron  *cron.Cron
	tasks []*PeriodicTask
}

func NewPeriodicService() *PeriodicService {
	return &PeriodicService{
		cron: cron.New(
			cron.WithParser(
				cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
					cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
			),
		),
	}
}

// Register 注册任务；任务 panic 只记录日志，不影响其他任务
func (p *PeriodicService) Register(name, spec string, fn func()) error {
	task := &PeriodicTask{Name: name, Spec: spec, handler: fn}
	id, err := p.cron.AddFunc(spec, func() { p.run(task) })
	if err != nil {
		return fmt.Errorf("register periodic task %s: %w", name, err)
	}
	task.entry = id

	p.mu.Lock()
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()
	return nil
}

func (p *PeriodicService) run(task *PeriodicTask) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task", task.Name).Interface("panic", r).Msg("Periodic task panic")
		}
	}()
	task.handler()
}

func (p *PeriodicService) Start() {
	p.cron.Start()
}

// Stop 等待正在执行的任务结束
func (p *PeriodicService) Stop() {
	<-p.cron.Stop().Done()
}

// RunAll 立即执行一遍所有任务（同步）
func (p *PeriodicService) RunAll() {
	p.mu.Lock()
	tasks := append([]*PeriodicTask(nil), p.tasks...)
	p.mu.Unlock()
	for _, task := range tasks {
		p.run(task)
	}
}
