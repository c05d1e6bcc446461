package example

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/gotxn"
	"github.com/xiaoxuxiansheng/gotxn/commit"
	"github.com/xiaoxuxiansheng/gotxn/commitlog"
	"github.com/xiaoxuxiansheng/gotxn/example/dao"
	"github.com/xiaoxuxiansheng/gotxn/example/pkg"
)

const (
	dsn      = "请输入 mysql dsn"
	network  = "tcp"
	address  = "请输入 redis ip:port"
	password = "请输入 redis 密码"
)

// 进程内 kv 存储，演示用. 生产场景由调用方接入真实存储引擎
type MemoryStorage struct {
	mux  sync.Mutex
	data map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]string)}
}

func (m *MemoryStorage) Read(ctx context.Context, resource string) (string, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.data[resource], nil
}

func (m *MemoryStorage) Write(ctx context.Context, resource string, value string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.data[resource] = value
	return nil
}

func main() {
	redisClient := pkg.NewRedisClient(network, address, password)
	mysqlDB, err := pkg.NewDB(dsn)
	if err != nil {
		fmt.Println(err)
		return
	}

	// 构造出基于 mysql 的提交日志存储模块
	commitLogDAO := dao.NewCommitLogDAO(mysqlDB)
	logStore := NewMySQLLogStore(commitLogDAO, redisClient)

	// 两个参与方，各自持有独立的事务核心与存储
	tmA := gotxn.NewTXManager(NewMemoryStorage(), gotxn.WithLockTimeout(time.Second))
	defer tmA.Stop()
	tmB := gotxn.NewTXManager(NewMemoryStorage(), gotxn.WithLockTimeout(time.Second))
	defer tmB.Stop()

	participantA := commit.NewTXParticipant("participantA", tmA, commitlog.NewMemoryStore())
	participantB := commit.NewTXParticipant("participantB", tmB, commitlog.NewMemoryStore())

	coordinator := commit.NewCoordinator(logStore,
		commit.WithProtocol(commit.ProtocolTwoPhase),
		commit.WithMonitorTick(time.Second),
	)
	defer coordinator.Stop()

	if err := coordinator.Register(participantA); err != nil {
		fmt.Println(err)
		return
	}
	if err := coordinator.Register(participantB); err != nil {
		fmt.Println(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	// 各参与方本地执行并登记到同一全局事务
	txID := commit.NewTXID()
	txA := tmA.Begin(gotxn.RepeatableRead)
	if err := tmA.Write(ctx, txA, "account_a", "900"); err != nil {
		fmt.Println(err)
		return
	}
	participantA.Enlist(txID, txA)

	txB := tmB.Begin(gotxn.RepeatableRead)
	if err := tmB.Write(ctx, txB, "account_b", "1100"); err != nil {
		fmt.Println(err)
		return
	}
	participantB.Enlist(txID, txB)

	// 两阶段提交
	if err := coordinator.Commit(ctx, txID, participantA.ID(), participantB.ID()); err != nil {
		fmt.Printf("tx failed, err: %v", err)
		return
	}

	fmt.Println("success")
}
