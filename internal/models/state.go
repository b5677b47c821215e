package models

import "time"

// PortfolioState 定义了需要持久化的所有关键数据
type PortfolioState struct {
	Version        int             `json:"version"`          // 状态模型的版本号
	Portfolio      PortfolioConfig `json:"portfolio"`        // 品种 -> 分配比例与策略
	Settings       Settings        `json:"settings"`         // 最近一次使用的模拟参数
	LastUpdateTime time.Time       `json:"last_update_time"` // 状态最后更新的时间戳
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *PortfolioState) Clone() *PortfolioState {
	if s == nil {
		return nil
	}
	c := *s
	c.Portfolio = s.Portfolio.Clone()
	return &c
}
