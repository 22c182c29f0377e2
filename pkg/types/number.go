package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ParseNumber 解析交易所返回的数字字符串，与本地化格式无关
func ParseNumber(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("解析数字失败 %q: %w", s, err)
	}
	return d.InexactFloat64(), nil
}
