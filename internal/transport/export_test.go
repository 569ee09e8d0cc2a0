package transport

var (
	NATSCode      = natsCode
	RedisCode     = redisCode
	WebSocketCode = websocketCode
	SQLiteCode    = sqliteCode
)
