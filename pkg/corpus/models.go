// Package corpus provides read-only access to the forum corpus and groups its posts into
// scenes, the runner's unit of work.
package corpus

import "time"

// QMPostTag is the tag marking story-advancing "quest-master" content.
const QMPostTag = "qm_post"

// Thread is a corpus thread.
type Thread struct {
	ID    int64
	Title string
}

// StoryPost is a single corpus post.
type StoryPost struct {
	PostID    int64
	ThreadID  int64
	Body      string
	Author    string
	CreatedAt *time.Time
	Tags      []string
}

// HasTag reports whether the post carries the given tag.
func (p *StoryPost) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Scene is a contiguous run of qm_post-tagged posts within a single thread.
type Scene struct {
	ThreadID      int64
	Posts         []StoryPost
	IsThreadStart bool
	IsThreadEnd   bool
	SceneIndex    int
}

// FirstPostID returns the id of the first post in the scene, or 0 if the scene is empty.
func (s *Scene) FirstPostID() int64 {
	if len(s.Posts) == 0 {
		return 0
	}
	return s.Posts[0].PostID
}

// LastPostID returns the id of the last post in the scene, or 0 if the scene is empty.
func (s *Scene) LastPostID() int64 {
	if len(s.Posts) == 0 {
		return 0
	}
	return s.Posts[len(s.Posts)-1].PostID
}

// Text concatenates the scene's post bodies, one per line, in post order.
func (s *Scene) Text() string {
	out := ""
	for i, p := range s.Posts {
		if i > 0 {
			out += "\n"
		}
		out += p.Body
	}
	return out
}
