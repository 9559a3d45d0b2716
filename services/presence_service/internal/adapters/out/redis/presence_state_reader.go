package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

// 每个用户读三个 key：在线标记、展示状态、最后在线时间
const keysPerUser = 3

// PresenceStateReaderRedis 单个和批量都只发一条 MGET
type PresenceStateReaderRedis struct {
	client redis.UniversalClient
}

func NewPresenceStateReaderRedis(client redis.UniversalClient) *PresenceStateReaderRedis {
	return &PresenceStateReaderRedis{client: client}
}

var _ out.PresenceStateReader = (*PresenceStateReaderRedis)(nil)

func (r *PresenceStateReaderRedis) Read(ctx context.Context, userID string) (out.PresenceState, error) {
	states, err := r.ReadBatch(ctx, []string{userID})
	if err != nil {
		return out.PresenceState{}, err
	}
	return states[0], nil
}

func (r *PresenceStateReaderRedis) ReadBatch(ctx context.Context, userIDs []string) ([]out.PresenceState, error) {
	if len(userIDs) == 0 {
		return []out.PresenceState{}, nil
	}

	keys := make([]string, 0, len(userIDs)*keysPerUser)
	for _, id := range userIDs {
		keys = append(keys, onlineKey(id), displayKey(id), lastSeenKey(id))
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence of %d users: %w", len(userIDs), err)
	}

	states := make([]out.PresenceState, len(userIDs))
	for i := range userIDs {
		base := i * keysPerUser
		online, _ := vals[base].(string)
		display, _ := vals[base+1].(string)
		lastSeen, _ := vals[base+2].(string)

		states[i] = out.PresenceState{
			IsOnline: online == "true",
			Display:  parseDisplay(display),
			LastSeen: parseUnix(lastSeen),
		}
	}
	return states, nil
}
