package lock

import (
	"sort"

	"github.com/xiaoxuxiansheng/gotxn/log"
)

// wait-for 图. 由锁表等待队列重新推导，不独立存储；结点以整型事务 id 寻址，避免引用成环
type waitGraph struct {
	edges map[uint64]map[uint64]struct{}
	// 各事务当前持有的锁数量，牺牲者策略依据
	held map[uint64]int
}

func (g *waitGraph) addEdge(waiter, holder uint64) {
	if waiter == holder {
		return
	}
	if g.edges[waiter] == nil {
		g.edges[waiter] = make(map[uint64]struct{})
	}
	g.edges[waiter][holder] = struct{}{}
}

// findCycle 对每个阻塞事务做深度优先遍历，命中递归栈即为环，返回环上的事务 id
// 起点与邻接均按 id 升序遍历，保证相同输入状态下结果确定
func (g *waitGraph) findCycle() []uint64 {
	starts := make([]uint64, 0, len(g.edges))
	for txID := range g.edges {
		starts = append(starts, txID)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	visited := make(map[uint64]bool)
	for _, start := range starts {
		if visited[start] {
			continue
		}
		var stack []uint64
		onStack := make(map[uint64]int)
		if cycle := g.dfs(start, visited, onStack, stack); cycle != nil {
			return cycle
		}
	}
	return nil
}

func (g *waitGraph) dfs(txID uint64, visited map[uint64]bool, onStack map[uint64]int, stack []uint64) []uint64 {
	visited[txID] = true
	onStack[txID] = len(stack)
	stack = append(stack, txID)

	neighbors := make([]uint64, 0, len(g.edges[txID]))
	for neighbor := range g.edges[txID] {
		neighbors = append(neighbors, neighbor)
	}
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })

	for _, neighbor := range neighbors {
		if pos, ok := onStack[neighbor]; ok {
			// 回边：从 neighbor 到当前结点即为一个环
			return append([]uint64{}, stack[pos:]...)
		}
		if visited[neighbor] {
			continue
		}
		if cycle := g.dfs(neighbor, visited, onStack, stack); cycle != nil {
			return cycle
		}
	}

	delete(onStack, txID)
	return nil
}

// pickVictim 确定性牺牲者策略：已持锁最少者优先，平局取 id 更大者（id 单调分配，越大越晚启动，损失越小）
func (g *waitGraph) pickVictim(cycle []uint64) uint64 {
	victim := cycle[0]
	for _, txID := range cycle[1:] {
		if g.held[txID] < g.held[victim] {
			victim = txID
			continue
		}
		if g.held[txID] == g.held[victim] && txID > victim {
			victim = txID
		}
	}
	return victim
}

// Detect 执行一轮死锁检测，返回本轮终止的牺牲者数量
// 每个环只终止一个牺牲者；逐环处理直至图中无环
func (m *Manager) Detect() int {
	var victims int
	for {
		g := m.buildGraph()
		cycle := g.findCycle()
		if cycle == nil {
			return victims
		}

		victim := g.pickVictim(cycle)
		log.Warnf("deadlock cycle: %v, victim tx: %d", cycle, victim)
		m.killVictim(victim)
		victims++
	}
}

// buildGraph 从等待队列推导 wait-for 边：
// 1. 阻塞请求 -> 每个与其冲突的当前持有者
// 2. 阻塞请求 -> 队列中排在其前面且与其冲突的请求方（锁升级互等场景）
// 3. 被谓词锁阻断的排他请求 -> 谓词锁持有者
func (m *Manager) buildGraph() *waitGraph {
	g := &waitGraph{
		edges: make(map[uint64]map[uint64]struct{}),
		held:  make(map[uint64]int),
	}

	type blockedWrite struct {
		txID     uint64
		resource string
	}
	var blockedWrites []blockedWrite

	for _, s := range m.shards {
		s.mux.Lock()
		for _, e := range s.entries {
			for holder := range e.holders {
				g.held[holder]++
			}
			for i, q := range e.queue {
				for holder, heldMode := range e.holders {
					if holder == q.txID {
						continue
					}
					if !Compatible(q.mode, heldMode) {
						g.addEdge(q.txID, holder)
					}
				}
				for _, ahead := range e.queue[:i] {
					if ahead.txID == q.txID {
						continue
					}
					if !Compatible(q.mode, ahead.mode) {
						g.addEdge(q.txID, ahead.txID)
					}
				}
				if q.mode == Exclusive {
					blockedWrites = append(blockedWrites, blockedWrite{txID: q.txID, resource: e.resource})
				}
			}
		}
		s.mux.Unlock()
	}

	m.rangeMux.Lock()
	for owner, ranges := range m.ranges {
		for _, w := range blockedWrites {
			if w.txID == owner {
				continue
			}
			if coveredByAny(ranges, w.resource) {
				g.addEdge(w.txID, owner)
			}
		}
	}
	m.rangeMux.Unlock()

	return g
}

// killVictim 将牺牲者的全部在队请求移出队列并以 victim 信号唤醒
// 其持有的锁由事务方收到信号后执行 abort 统一释放
func (m *Manager) killVictim(txID uint64) {
	for _, s := range m.shards {
		s.mux.Lock()
		for resource, e := range s.entries {
			changed := false
			still := e.queue[:0]
			for _, q := range e.queue {
				if q.txID == txID {
					q.grant <- ErrVictim
					changed = true
					continue
				}
				still = append(still, q)
			}
			e.queue = still
			if changed {
				m.processLocked(e)
				if len(e.holders) == 0 && len(e.queue) == 0 {
					delete(s.entries, resource)
				}
			}
		}
		s.mux.Unlock()
	}
}
