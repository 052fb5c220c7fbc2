package services

import (
	"sort"

	"feedsync/models"
)

// BuildCommentTree собирает двухуровневое дерево из плоского списка:
// комментарии верхнего уровня по возрастанию created_at, у каждого плоский
// список ответов. Ответ на ответ попадает к корневому предку, ответы без
// родителя в списке не показываются
func BuildCommentTree(flat []models.Comment) []models.Comment {
	sorted := make([]models.Comment, 0, len(flat))
	byID := make(map[string]models.Comment, len(flat))
	for _, c := range flat {
		if _, dup := byID[c.ID]; dup {
			continue
		}
		byID[c.ID] = c
		sorted = append(sorted, c)
	}
	sortComments(sorted)

	top := make([]models.Comment, 0, len(sorted))
	topIndex := make(map[string]int, len(sorted))
	for _, c := range sorted {
		if c.IsTopLevel() {
			c.Replies = []models.Comment{}
			topIndex[c.ID] = len(top)
			top = append(top, c)
		}
	}

	for _, c := range sorted {
		if c.IsTopLevel() {
			continue
		}
		root, ok := rootAncestor(c, byID)
		if !ok {
			continue
		}
		i, ok := topIndex[root]
		if !ok {
			continue
		}
		c.Replies = nil
		top[i].Replies = append(top[i].Replies, c)
	}
	return top
}

func sortComments(comments []models.Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		if !comments[i].CreatedAt.Equal(comments[j].CreatedAt) {
			return comments[i].CreatedAt.Before(comments[j].CreatedAt)
		}
		return comments[i].ID < comments[j].ID
	})
}

// rootAncestor поднимается по parent_id до комментария верхнего уровня
func rootAncestor(c models.Comment, byID map[string]models.Comment) (string, bool) {
	cur := c
	for steps := 0; steps <= len(byID); steps++ {
		if cur.IsTopLevel() {
			return cur.ID, true
		}
		parent, ok := byID[*cur.ParentID]
		if !ok {
			return "", false
		}
		cur = parent
	}
	// цикл в parent_id
	return "", false
}

// RemoveComment убирает комментарий и из верхнего уровня, и из всех списков ответов.
// Удаление корня убирает и его ответы
func RemoveComment(tree []models.Comment, id string) []models.Comment {
	out := make([]models.Comment, 0, len(tree))
	for _, c := range tree {
		if c.ID == id {
			continue
		}
		if len(c.Replies) > 0 {
			replies := make([]models.Comment, 0, len(c.Replies))
			for _, r := range c.Replies {
				if r.ID != id {
					replies = append(replies, r)
				}
			}
			c.Replies = replies
		}
		out = append(out, c)
	}
	return out
}

// findComment ищет комментарий на обоих уровнях
func findComment(tree []models.Comment, id string) (models.Comment, bool) {
	for _, c := range tree {
		if c.ID == id {
			return c, true
		}
		for _, r := range c.Replies {
			if r.ID == id {
				return r, true
			}
		}
	}
	return models.Comment{}, false
}

func copyTree(tree []models.Comment) []models.Comment {
	out := make([]models.Comment, len(tree))
	for i, c := range tree {
		out[i] = c
		if c.Replies != nil {
			out[i].Replies = append([]models.Comment{}, c.Replies...)
		}
	}
	return out
}
