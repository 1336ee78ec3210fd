package fragment

import "fmt"

// Location 描述一个片段落盘后的位置，由写入完成回调交给外部索引。
type Location struct {
	Offset     uint64 `json:"offset"`
	Length     uint32 `json:"length"`
	Generation uint32 `json:"generation"`
}

// End 返回片段末尾之后的第一个字节偏移。
func (l Location) End() uint64 {
	return l.Offset + uint64(l.Length)
}

func (l Location) String() string {
	return fmt.Sprintf("%d+%d@g%d", l.Offset, l.Length, l.Generation)
}
