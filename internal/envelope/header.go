package envelope

import "strings"

// Namespace 控制訊息所屬的協議層
type Namespace int

const (
	NamespaceUnknown   Namespace = iota
	NamespaceRelay               // CONNECTED / CLOSE
	NamespaceGroup               // GS:
	NamespaceRoom                // RGS:
	NamespaceVector              // VGS:
	NamespaceTransport           // UDP:
)

func (n Namespace) String() string {
	switch n {
	case NamespaceRelay:
		return "relay"
	case NamespaceGroup:
		return "GS"
	case NamespaceRoom:
		return "RGS"
	case NamespaceVector:
		return "VGS"
	case NamespaceTransport:
		return "UDP"
	default:
		return "unknown"
	}
}

// Header 控制訊息的標頭
//
// 只有下面列出的值是合法的，ParseHeader 拒絕其餘字串。
// 每個協議層以 map[Header]handler 做分派，並有測試確認該命名空間的每個標頭都有處理器。
type Header string

// NotifySuffix 通知其他成員時附加在標頭後
const NotifySuffix = ":NOTIFY"

const (
	HeaderConnected Header = "CONNECTED"
	HeaderClose     Header = "CLOSE"
)

// GS: 群組協議
const (
	GroupJoin      Header = "GS:JOIN"
	GroupLeave     Header = "GS:LEAVE"
	GroupCreate    Header = "GS:CREATE"
	GroupDelete    Header = "GS:DELETE"
	GroupBroadcast Header = "GS:BROADCAST"
	GroupPing      Header = "GS:PING"
)

// RGS: 配對協議
const (
	RoomSearch    Header = "RGS:SEARCH"
	RoomLeave     Header = "RGS:LEAVE"
	RoomBroadcast Header = "RGS:BROADCAST"
	RoomConfirm   Header = "RGS:CONFIRM"
	RoomExit      Header = "RGS:EXIT"
	RoomState     Header = "RGS:STATE"
	RoomMessage   Header = "RGS:MESSAGE"
	RoomWorld     Header = "RGS:WORLD"

	// 僅由伺服器送出
	RoomDisband Header = "RGS:DISBAND"
	RoomStart   Header = "RGS:START"
	RoomEnd     Header = "RGS:END"
)

// VGS: 空間格協議
const (
	VectorPosition  Header = "VGS:POSITION"
	VectorBroadcast Header = "VGS:BROADCAST"
)

// UDP: 次要通道握手
const (
	UDPConn       Header = "UDP:CONN"
	UDPConnAffirm Header = "UDP:CONN:AFIRM"
	UDPPing       Header = "UDP:PING"
)

var namespaces = map[Header]Namespace{
	HeaderConnected: NamespaceRelay,
	HeaderClose:     NamespaceRelay,

	GroupJoin:      NamespaceGroup,
	GroupLeave:     NamespaceGroup,
	GroupCreate:    NamespaceGroup,
	GroupDelete:    NamespaceGroup,
	GroupBroadcast: NamespaceGroup,
	GroupPing:      NamespaceGroup,

	RoomSearch:    NamespaceRoom,
	RoomLeave:     NamespaceRoom,
	RoomBroadcast: NamespaceRoom,
	RoomConfirm:   NamespaceRoom,
	RoomExit:      NamespaceRoom,
	RoomState:     NamespaceRoom,
	RoomMessage:   NamespaceRoom,
	RoomWorld:     NamespaceRoom,
	RoomDisband:   NamespaceRoom,
	RoomStart:     NamespaceRoom,
	RoomEnd:       NamespaceRoom,

	VectorPosition:  NamespaceVector,
	VectorBroadcast: NamespaceVector,

	UDPConn:       NamespaceTransport,
	UDPConnAffirm: NamespaceTransport,
	UDPPing:       NamespaceTransport,
}

var serverOnly = map[Header]bool{
	RoomDisband: true,
	RoomStart:   true,
	RoomEnd:     true,
}

// ParseHeader 將字串轉為已知標頭
//
// 帶 :NOTIFY 後綴的標頭只會由伺服器送出，客戶端送來時視為未知。
func ParseHeader(s string) (Header, bool) {
	h := Header(s)
	if _, ok := namespaces[h]; !ok {
		return "", false
	}
	return h, true
}

// Namespace 標頭所屬命名空間
func (h Header) Namespace() Namespace {
	if ns, ok := namespaces[h]; ok {
		return ns
	}
	base := Header(strings.TrimSuffix(string(h), NotifySuffix))
	if ns, ok := namespaces[base]; ok {
		return ns
	}
	return NamespaceUnknown
}

// Notify 對應的通知標頭
func (h Header) Notify() Header {
	return h + NotifySuffix
}

// ServerOnly 是否只允許伺服器送出
func (h Header) ServerOnly() bool {
	return serverOnly[h]
}

// HeadersOf 列出某個命名空間的所有標頭（不含 :NOTIFY 變體）
func HeadersOf(ns Namespace) []Header {
	var out []Header
	for h, n := range namespaces {
		if n == ns {
			out = append(out, h)
		}
	}
	return out
}
