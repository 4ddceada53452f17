package reconcile

import "context"

// LikeVersionCount reports how many posts currently carry a like version.
func (engine *Engine) LikeVersionCount(ctx context.Context) (int, error) {
	var count int
	err := engine.do(ctx, func() {
		count = len(engine.likeVersions)
	})
	return count, err
}
