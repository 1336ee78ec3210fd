package fragment

// Scanner 顺序遍历一次刷盘写入的区域：片段之间无空隙，
// 遇到第一个 magic 不匹配（通常是块尾的零填充）或区域末尾即停止。
type Scanner struct {
	buf  []byte
	salt uint64
	pos  int
	rec  *Record
	err  error
}

// NewScanner 返回遍历 region 的 Scanner。
func NewScanner(region []byte) *Scanner {
	return &Scanner{buf: region}
}

// NewSaltedScanner 返回只接受以 salt 编码的片段的 Scanner。
func NewSaltedScanner(region []byte, salt uint64) *Scanner {
	return &Scanner{buf: region, salt: salt}
}

// Next 前进到下一个片段。返回 false 时可通过 Err 区分正常结束与损坏。
func (s *Scanner) Next() bool {
	if s.err != nil || s.pos >= len(s.buf) {
		return false
	}
	rest := s.buf[s.pos:]
	if _, ok := PeekLen(rest); !ok {
		// 零填充或未写入区域视为正常结束
		s.rec = nil
		return false
	}
	rec, err := DecodeSalted(rest, s.salt)
	if err != nil {
		s.err = err
		s.rec = nil
		return false
	}
	s.rec = rec
	s.pos += int(rec.Len)
	return true
}

// Record 返回当前片段。
func (s *Scanner) Record() *Record {
	return s.rec
}

// Offset 返回当前片段在区域中的起始偏移。
func (s *Scanner) Offset() int {
	if s.rec == nil {
		return s.pos
	}
	return s.pos - int(s.rec.Len)
}

// Consumed 返回已经遍历过的字节数。
func (s *Scanner) Consumed() int {
	return s.pos
}

// Err 返回遍历中遇到的损坏错误。
func (s *Scanner) Err() error {
	return s.err
}
