package automation

import "time"

// Clock 提供可注入的时间来源，测试时可替换为固定时钟。
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock 返回基于系统时间的 Clock。
func SystemClock() Clock { return systemClock{} }

// FixedClock 返回始终给出固定时间的 Clock，主要用于测试。
type FixedClock struct {
	Time time.Time
}

// Now 返回固定时间。
func (c *FixedClock) Now() time.Time { return c.Time }
