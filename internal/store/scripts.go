package store

import "github.com/redis/go-redis/v9"

// joinScript 加入群組
//
// KEYS[1]: 群組目錄
// KEYS[2]: 群組成員清單
// KEYS[3]: 客戶端所屬群組清單
// ARGV[1]: groupId
// ARGV[2]: clientId
//
// 返回值：
//
//	-1: 群組不存在
//	 0: 已是成員
//	 1: 加入成功
var joinScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  return -1
end
if redis.call('LPOS', KEYS[2], ARGV[2]) then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[2])
if not redis.call('LPOS', KEYS[3], ARGV[1]) then
  redis.call('RPUSH', KEYS[3], ARGV[1])
end
return 1
`)

// eraseScript 刪除群組
//
// 成員的清單鍵由 ARGV[2] 前綴組出來，只適用於單一 Redis 節點。
//
// KEYS[1]: 群組目錄
// KEYS[2]: 群組成員清單
// ARGV[1]: groupId
// ARGV[2]: 客戶端清單鍵前綴
//
// 返回值：被移除的成員數
var eraseScript = redis.NewScript(`
local members = redis.call('LRANGE', KEYS[2], 0, -1)
for _, c in ipairs(members) do
  redis.call('LREM', ARGV[2] .. c, 0, ARGV[1])
end
redis.call('DEL', KEYS[2])
redis.call('HDEL', KEYS[1], ARGV[1])
return #members
`)

// confirmScript 記錄對局確認
//
// KEYS[1]: mmc:<groupId>
// ARGV[1]: clientId
// ARGV[2]: 過期秒數
//
// 返回值：-1 重複確認，否則為目前確認人數
var confirmScript = redis.NewScript(`
if redis.call('LPOS', KEYS[1], ARGV[1]) then
  return -1
end
local n = redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return n
`)

// releaseCellScript 格仍指向指定群組時才刪除對應
//
// KEYS[1]: 格對應表
// ARGV[1]: cellId
// ARGV[2]: groupId
var releaseCellScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
  return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)
