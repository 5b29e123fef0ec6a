package chat

// userCache is the keyed store of directory users consulted during
// materialization. Records are inserted or whole-replaced, never evicted;
// its lifetime is the engine's. The cache never pushes to dependents:
// already-materialized messages keep the author they resolved, until a
// later event re-materializes them.
type userCache struct {
	users map[string]User
}

func newUserCache() *userCache {
	return &userCache{users: make(map[string]User)}
}

func (c *userCache) upsert(user User) {
	c.users[user.ID] = user
}

func (c *userCache) get(id string) *User {
	user, ok := c.users[id]
	if !ok {
		return nil
	}
	return &user
}
