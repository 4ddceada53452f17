package store

import (
	"sort"
	"strings"
)

// RelationshipSummary splits a profile's follow graph into mutual and one-sided edges.
type RelationshipSummary struct {
	Mutuals       []FollowEdge `json:"mutuals"`
	FollowersOnly []FollowEdge `json:"followersOnly"`
	FollowingOnly []FollowEdge `json:"followingOnly"`
}

// Relationships classifies the profile's edges, each group sorted by username.
func (profile Profile) Relationships() RelationshipSummary {
	followersByID := edgesByID(profile.Followers)
	followingByID := edgesByID(profile.Following)

	mutuals := map[string]FollowEdge{}
	followingOnly := map[string]FollowEdge{}
	followersOnly := map[string]FollowEdge{}

	for userID, edge := range followingByID {
		if _, followerExists := followersByID[userID]; followerExists {
			mutuals[userID] = edge
		} else {
			followingOnly[userID] = edge
		}
	}
	for userID, edge := range followersByID {
		if _, followingExists := followingByID[userID]; !followingExists {
			followersOnly[userID] = edge
		}
	}

	return RelationshipSummary{
		Mutuals:       toSortedEdges(mutuals),
		FollowersOnly: toSortedEdges(followersOnly),
		FollowingOnly: toSortedEdges(followingOnly),
	}
}

func edgesByID(edges []FollowEdge) map[string]FollowEdge {
	indexed := make(map[string]FollowEdge, len(edges))
	for _, edge := range edges {
		indexed[edge.UserID] = edge
	}
	return indexed
}

func toSortedEdges(edgesByID map[string]FollowEdge) []FollowEdge {
	sortedEdges := make([]FollowEdge, 0, len(edgesByID))
	for _, edge := range edgesByID {
		sortedEdges = append(sortedEdges, edge)
	}
	sort.Slice(sortedEdges, func(firstIndex, secondIndex int) bool {
		firstKey := edgeSortKey(sortedEdges[firstIndex])
		secondKey := edgeSortKey(sortedEdges[secondIndex])
		return strings.ToLower(firstKey) < strings.ToLower(secondKey)
	})
	return sortedEdges
}

func edgeSortKey(edge FollowEdge) string {
	if edge.Username != "" {
		return edge.Username
	}
	return edge.UserID
}
