package redirect

import (
	"sync"

	"reqroute/pkg/domain"
	"reqroute/pkg/traffic"
)

// link 重定向链中单个节点的前驱/后继请求ID
type link struct {
	from domain.RequestID
	to   domain.RequestID
}

// Tracker 重定向链追踪器。请求记录按ID存放，前驱/后继以可选ID
// 而非裸指针关联，避免所有权环。
type Tracker struct {
	mu       sync.RWMutex
	reqs     map[domain.RequestID]*traffic.Request
	links    map[domain.RequestID]*link
	failures map[domain.RequestID]domain.AbortReason
}

// New 创建追踪器
func New() *Tracker {
	return &Tracker{
		reqs:     make(map[domain.RequestID]*traffic.Request),
		links:    make(map[domain.RequestID]*link),
		failures: make(map[domain.RequestID]domain.AbortReason),
	}
}

// Register 登记请求记录
func (t *Tracker) Register(req *traffic.Request) {
	t.mu.Lock()
	t.reqs[domain.RequestID(req.ID)] = req
	t.mu.Unlock()
}

// Link 将重定向产生的新请求挂入链中：from.redirectedTo = to，
// to.redirectedFrom = from。新请求继承原请求的帧引用。
func (t *Tracker) Link(from, to *traffic.Request) {
	to.FrameID = from.FrameID
	t.mu.Lock()
	defer t.mu.Unlock()
	fid := domain.RequestID(from.ID)
	tid := domain.RequestID(to.ID)
	t.reqs[fid] = from
	t.reqs[tid] = to
	t.ensureLink(fid).to = tid
	t.ensureLink(tid).from = fid
}

// RedirectedFrom 返回重定向到该请求的前驱请求，链头返回 nil
func (t *Tracker) RedirectedFrom(id domain.RequestID) *traffic.Request {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.links[id]
	if !ok || l.from == "" {
		return nil
	}
	return t.reqs[l.from]
}

// RedirectedTo 返回该请求重定向产生的后继请求，链尾返回 nil
func (t *Tracker) RedirectedTo(id domain.RequestID) *traffic.Request {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.links[id]
	if !ok || l.to == "" {
		return nil
	}
	return t.reqs[l.to]
}

// RecordFailure 记录请求被中止的原因，供事后查询
func (t *Tracker) RecordFailure(id domain.RequestID, reason domain.AbortReason) {
	t.mu.Lock()
	t.failures[id] = reason
	t.mu.Unlock()
}

// Failure 返回请求被中止的原因，未中止的请求返回空
func (t *Tracker) Failure(id domain.RequestID) domain.AbortReason {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failures[id]
}

// Chain 返回该请求所在的完整重定向链，从链头到链尾
func (t *Tracker) Chain(id domain.RequestID) []*traffic.Request {
	t.mu.RLock()
	defer t.mu.RUnlock()
	head := id
	for {
		l, ok := t.links[head]
		if !ok || l.from == "" {
			break
		}
		head = l.from
	}
	var out []*traffic.Request
	for cur := head; cur != ""; {
		req, ok := t.reqs[cur]
		if !ok {
			break
		}
		out = append(out, req)
		l, ok := t.links[cur]
		if !ok {
			break
		}
		cur = l.to
	}
	return out
}

// Remove 移除请求所在的整条链，作用域销毁时回收记录
func (t *Tracker) Remove(id domain.RequestID) {
	chain := t.Chain(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(chain) == 0 {
		delete(t.reqs, id)
		delete(t.links, id)
		delete(t.failures, id)
		return
	}
	for _, req := range chain {
		rid := domain.RequestID(req.ID)
		delete(t.reqs, rid)
		delete(t.links, rid)
		delete(t.failures, rid)
	}
}

// Len 返回登记的请求数
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.reqs)
}

func (t *Tracker) ensureLink(id domain.RequestID) *link {
	l, ok := t.links[id]
	if !ok {
		l = &link{}
		t.links[id] = l
	}
	return l
}
