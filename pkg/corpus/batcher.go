package corpus

import "fmt"

// SceneBatcher groups the corpus's posts into scenes: contiguous runs of qm_post-tagged
// posts within one thread.
type SceneBatcher struct {
	reader *Reader
}

// NewSceneBatcher wraps a Reader with scene-grouping logic.
func NewSceneBatcher(reader *Reader) *SceneBatcher {
	return &SceneBatcher{reader: reader}
}

// SceneIterator is a lazy, finite, non-restartable sequence of scenes.
type SceneIterator struct {
	posts *PostIterator

	pending             *StoryPost // a post already read from posts but not yet consumed.
	currentScenePosts   []StoryPost
	currentThreadID     int64
	haveCurrentThread   bool
	sceneIndex          int
	isFirstSceneInThread bool
	done                bool
}

// IterScenes starts a scene iteration, optionally resuming after a given post id.
func (b *SceneBatcher) IterScenes(startAfterPostID *int64) (*SceneIterator, error) {
	posts, err := b.reader.IterAllPosts(startAfterPostID)
	if err != nil {
		return nil, fmt.Errorf("starting scene iteration: %w", err)
	}
	return &SceneIterator{
		posts:                posts,
		isFirstSceneInThread: true,
	}, nil
}

// Close releases the iterator's underlying corpus cursor.
func (si *SceneIterator) Close() error {
	return si.posts.Close()
}

// Next returns the next scene, or (nil, false, nil) once the corpus is exhausted.
//
// Accumulates consecutive qm_post posts into a buffer; emits on a thread change (closing
// with IsThreadEnd=true) or on a non-qm_post post (closing with IsThreadEnd=false); leading
// non-qm_post posts are skipped silently.
func (si *SceneIterator) Next() (*Scene, bool, error) {
	if si.done {
		return nil, false, nil
	}

	for {
		post, more, err := si.nextPost()
		if err != nil {
			return nil, false, err
		}
		if !more {
			// Corpus exhausted: emit whatever scene is in progress, then stop.
			si.done = true
			if len(si.currentScenePosts) > 0 {
				scene := &Scene{
					ThreadID:      si.currentThreadID,
					Posts:         si.currentScenePosts,
					IsThreadStart: si.isFirstSceneInThread,
					IsThreadEnd:   true,
					SceneIndex:    si.sceneIndex,
				}
				si.currentScenePosts = nil
				return scene, true, nil
			}
			return nil, false, nil
		}

		isQMPost := post.HasTag(QMPostTag)

		if si.haveCurrentThread && post.ThreadID != si.currentThreadID {
			// Thread boundary: close any open scene on the OLD thread, then start fresh.
			var emitted *Scene
			if len(si.currentScenePosts) > 0 {
				emitted = &Scene{
					ThreadID:      si.currentThreadID,
					Posts:         si.currentScenePosts,
					IsThreadStart: si.isFirstSceneInThread,
					IsThreadEnd:   true,
					SceneIndex:    si.sceneIndex,
				}
			}
			si.currentScenePosts = nil
			si.sceneIndex = 0
			si.currentThreadID = post.ThreadID
			si.isFirstSceneInThread = true
			// Stash this post to be reconsidered against the new thread's state.
			si.pending = &post

			if emitted != nil {
				return emitted, true, nil
			}
			continue
		}

		if !si.haveCurrentThread {
			si.currentThreadID = post.ThreadID
			si.haveCurrentThread = true
		}

		if isQMPost {
			si.currentScenePosts = append(si.currentScenePosts, post)
			continue
		}

		// Non-qm_post breaks an in-progress scene; leading non-qm_post posts are silently skipped.
		if len(si.currentScenePosts) > 0 {
			scene := &Scene{
				ThreadID:      si.currentThreadID,
				Posts:         si.currentScenePosts,
				IsThreadStart: si.isFirstSceneInThread,
				IsThreadEnd:   false,
				SceneIndex:    si.sceneIndex,
			}
			si.currentScenePosts = nil
			si.sceneIndex++
			si.isFirstSceneInThread = false
			return scene, true, nil
		}
	}
}

// nextPost serves from the one-post pending buffer (set when a thread boundary is detected
// mid-read) before pulling a fresh post from the underlying corpus cursor.
func (si *SceneIterator) nextPost() (StoryPost, bool, error) {
	if si.pending != nil {
		p := *si.pending
		si.pending = nil
		return p, true, nil
	}
	return si.posts.Next()
}
