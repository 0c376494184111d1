package window

// SlotState: 单个位置在渲染端可见的状态。
type SlotState int

const (
	Missing    SlotState = iota // 未请求或取数失败
	Loading                     // 所在区间在途
	Loaded                      // 条目已加载
	Optimistic                  // 本地乐观占位，待服务端确认
	End                         // 集合末尾之后
)

func (s SlotState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Optimistic:
		return "optimistic"
	case End:
		return "end"
	default:
		return "missing"
	}
}

// MarshalText 供 JSON 输出（fetch 子命令）。
func (s SlotState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Slot: 窗口视图中的一个位置。Item 仅在 Loaded/Optimistic 时有效。
type Slot[T any] struct {
	Pos   int       `json:"pos"`
	State SlotState `json:"state"`
	Item  T         `json:"item,omitempty"`
}
