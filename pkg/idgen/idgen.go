// Package idgen 產生帶前綴的識別碼
//
// 前綴讓日誌與共享儲存中的鍵一眼就能分辨種類：
//
//	c:<uuid>  客戶端
//	g:<uuid>  群組
//	o:<uuid>  伺服器實例（origin）
//	u:<uuid>  UDP 對端
package idgen

import "github.com/google/uuid"

const (
	PrefixClient = "c:"
	PrefixGroup  = "g:"
	PrefixOrigin = "o:"
	PrefixPeer   = "u:"
)

// ClientID 新的客戶端 ID
func ClientID() string { return PrefixClient + uuid.NewString() }

// GroupID 新的群組 ID
func GroupID() string { return PrefixGroup + uuid.NewString() }

// OriginID 新的實例 ID
func OriginID() string { return PrefixOrigin + uuid.NewString() }

// PeerID 新的 UDP 對端 ID
func PeerID() string { return PrefixPeer + uuid.NewString() }

// SessionIdentifier 對局內綁定次要通道用的一次性識別碼
func SessionIdentifier() string {
	return uuid.NewString() + "-" + uuid.NewString()
}
