package lock

// 锁模式
type Mode int

const (
	// 共享锁
	Shared Mode = iota
	// 排他锁
	Exclusive
	// 意向共享锁
	IntentShared
	// 意向排他锁
	IntentExclusive
	// 更新锁：与共享锁兼容，升级为排他锁时具有优先权
	Update
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	case IntentShared:
		return "intent_shared"
	case IntentExclusive:
		return "intent_exclusive"
	case Update:
		return "update"
	}
	return "unknown"
}

// 兼容矩阵. 行为请求模式，列为已持有模式
// 矩阵非对称：update 锁可以在 shared 锁存续期间取得，但 shared 锁不能越过已持有的 update 锁
var compatMatrix = map[Mode]map[Mode]bool{
	Shared: {
		Shared:       true,
		IntentShared: true,
	},
	Exclusive: {},
	IntentShared: {
		IntentShared:    true,
		IntentExclusive: true,
		Shared:          true,
		Update:          true,
	},
	IntentExclusive: {
		IntentShared:    true,
		IntentExclusive: true,
	},
	Update: {
		Shared:       true,
		IntentShared: true,
	},
}

// Compatible 判断请求模式与他人已持有模式是否兼容. 同一事务自身始终兼容，不走该矩阵
func Compatible(requested, held Mode) bool {
	return compatMatrix[requested][held]
}

// covers 判断已持有的模式是否足以覆盖本次请求，免去重复授予
func covers(held, requested Mode) bool {
	if held == requested || held == Exclusive {
		return true
	}
	switch held {
	case Update:
		return requested == Shared || requested == IntentShared
	case Shared:
		return requested == IntentShared
	case IntentExclusive:
		return requested == IntentShared
	}
	return false
}

var modeRank = map[Mode]int{
	IntentShared:    0,
	IntentExclusive: 1,
	Shared:          2,
	Update:          3,
	Exclusive:       4,
}

// merge 合并同一事务在同一资源上先后取得的模式，保留更强者
func merge(held, requested Mode) Mode {
	if covers(held, requested) {
		return held
	}
	if covers(requested, held) {
		return requested
	}
	if modeRank[requested] > modeRank[held] {
		return requested
	}
	return held
}
