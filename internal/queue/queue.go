package queue

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const defaultCapacity = 1000

// Message 定义消息结构
type Message struct {
	Topic string
	Data  any
}

// Queue 进程内的 topic 队列，每个 topic 一个带缓冲的 channel
type Queue struct {
	topics   map[string]chan Message
	lock     sync.RWMutex
	capacity int
	closed   bool
	wg       sync.WaitGroup
}

// GlobalQueue 全局变量
var GlobalQueue = NewQueue(defaultCapacity)

// NewQueue 创建队列，capacity 为每个 topic 的缓冲大小
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue{
		topics:   make(map[string]chan Message),
		capacity: capacity,
	}
}

func (q *Queue) CheckTopic(topic string) chan Message {
	q.lock.RLock()
	ch, exists := q.topics[topic]
	q.lock.RUnlock()

	if exists {
		return ch
	}

	q.lock.Lock()
	defer q.lock.Unlock()

	ch, exists = q.topics[topic]
	if !exists {
		ch = make(chan Message, q.capacity)
		q.topics[topic] = ch
	}
	return ch
}

// Produce 生产消息（非阻塞），队列满或已关闭时返回 false
func (q *Queue) Produce(topic string, data any) bool {
	ch := q.CheckTopic(topic)

	q.lock.RLock()
	defer q.lock.RUnlock()
	if q.closed {
		log.Warn().Str("topic", topic).Msg("queue closed, message dropped")
		return false
	}

	select {
	case ch <- Message{Topic: topic, Data: data}:
		return true
	default:
		log.Warn().Str("topic", topic).Msg("queue full, message dropped")
		return false
	}
}

// Len 当前积压的消息数
func (q *Queue) Len(topic string) int {
	return len(q.CheckTopic(topic))
}

// RegisterConsumer 注册消费者，支持 n 个并发消费者
func (q *Queue) RegisterConsumer(topic string, handler func(Message), n int) {
	ch := q.CheckTopic(topic)

	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for msg := range ch {
				// handler panic 只影响这一条消息
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Error().Str("topic", msg.Topic).Interface("panic", r).Msg("Consumer panic")
						}
					}()
					handler(msg)
				}()
			}
		}()
	}
}

// Close 停止接收新消息，已入队的消息仍会被消费完
func (q *Queue) Close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, ch := range q.topics {
		close(ch)
	}
}

// Wait 等待所有消费者退出，需先调用 Close
func (q *Queue) Wait() {
	q.wg.Wait()
}
