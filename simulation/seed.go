package simulation

import "math/rand"

const golden = 0x9e3779b97f4a7c15

// splitmix64 终结函数, 将相邻输入打散为互不相关的 64 位输出.
func splitmix64(x uint64) uint64 {
	x += golden
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// DeriveSeed 由运行种子、试验序号与尝试序号计数式地派生子种子.
// 子种子只依赖这三个值, 因此结果与 worker 数量和调度顺序无关.
func DeriveSeed(seed int64, trial, attempt int) int64 {
	x := splitmix64(uint64(seed))
	x = splitmix64(x ^ uint64(trial))
	x = splitmix64(x ^ uint64(attempt)<<32)
	return int64(x &^ (1 << 63))
}

// newRand 为一次尝试创建独立的随机源.
func newRand(seed int64, trial, attempt int) *rand.Rand {
	return rand.New(rand.NewSource(DeriveSeed(seed, trial, attempt)))
}
