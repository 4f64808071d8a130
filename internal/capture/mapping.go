package capture

import (
	"context"
	"time"

	gh "github.com/google/go-github/v57/github"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/resolver"
	"github.com/sirupsen/logrus"
)

func externalUser(u *gh.User) (resolver.ExternalUser, bool) {
	if u == nil || u.GetID() == 0 {
		return resolver.ExternalUser{}, false
	}
	return resolver.ExternalUser{
		GitHubID:  u.GetID(),
		Login:     u.GetLogin(),
		AvatarURL: u.GetAvatarURL(),
		Type:      u.GetType(),
	}, true
}

// resolveAuthor maps an optional upstream user to a contributor id. A
// missing user yields (nil, true); a resolution failure yields (nil, false)
// so the caller can count it without aborting the batch.
func (s *Service) resolveAuthor(ctx context.Context, u *gh.User) (*int64, bool) {
	user, ok := externalUser(u)
	if !ok {
		return nil, true
	}
	id, err := s.resolver.ResolveOrCreate(ctx, user)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"login":     user.Login,
			"github_id": user.GitHubID,
		}).WithError(err).Warn("author resolution failed")
		return nil, false
	}
	return &id, true
}

func timePtr(ts *gh.Timestamp) *time.Time {
	if ts == nil {
		return nil
	}
	t := ts.Time
	return &t
}

func mapPullRequest(repoID int64, pr *gh.PullRequest, authorID *int64) *models.PullRequest {
	return &models.PullRequest{
		GitHubID:       pr.GetID(),
		RepositoryID:   repoID,
		Number:         pr.GetNumber(),
		State:          pr.GetState(),
		Title:          pr.GetTitle(),
		Draft:          pr.GetDraft(),
		AuthorID:       authorID,
		Additions:      pr.GetAdditions(),
		Deletions:      pr.GetDeletions(),
		ChangedFiles:   pr.GetChangedFiles(),
		Commits:        pr.GetCommits(),
		Merged:         pr.GetMerged() || pr.MergedAt != nil,
		MergedAt:       timePtr(pr.MergedAt),
		MergeCommitSHA: pr.MergeCommitSHA,
		CreatedAt:      pr.GetCreatedAt().Time,
		UpdatedAt:      pr.GetUpdatedAt().Time,
		ClosedAt:       timePtr(pr.ClosedAt),
	}
}

func mapReview(prID int64, rv *gh.PullRequestReview, reviewerID int64, logger logrus.FieldLogger) *models.Review {
	return &models.Review{
		GitHubID:      rv.GetID(),
		PullRequestID: prID,
		ReviewerID:    reviewerID,
		State:         models.NormalizeReviewState(rv.GetState(), logger),
		Body:          rv.GetBody(),
		SubmittedAt:   timePtr(rv.SubmittedAt),
	}
}

func mapReviewComment(repoID, prID int64, c *gh.PullRequestComment, commenterID int64) *models.Comment {
	return &models.Comment{
		GitHubID:      c.GetID(),
		RepositoryID:  repoID,
		PullRequestID: &prID,
		CommenterID:   commenterID,
		CommentType:   models.CommentTypeReview,
		Body:          c.GetBody(),
		InReplyToID:   c.InReplyTo,
		Path:          c.Path,
		Position:      c.Position,
		CreatedAt:     c.GetCreatedAt().Time,
		UpdatedAt:     c.GetUpdatedAt().Time,
	}
}

func mapConversationComment(repoID int64, prID, issueID *int64, c *gh.IssueComment, commenterID int64) *models.Comment {
	return &models.Comment{
		GitHubID:      c.GetID(),
		RepositoryID:  repoID,
		PullRequestID: prID,
		IssueID:       issueID,
		CommenterID:   commenterID,
		CommentType:   models.CommentTypeIssue,
		Body:          c.GetBody(),
		CreatedAt:     c.GetCreatedAt().Time,
		UpdatedAt:     c.GetUpdatedAt().Time,
	}
}

func mapIssue(repoID int64, is *gh.Issue, authorID *int64) *models.Issue {
	return &models.Issue{
		GitHubID:     is.GetID(),
		RepositoryID: repoID,
		Number:       is.GetNumber(),
		State:        is.GetState(),
		Title:        is.GetTitle(),
		AuthorID:     authorID,
		CommentCount: is.GetComments(),
		CreatedAt:    is.GetCreatedAt().Time,
		UpdatedAt:    is.GetUpdatedAt().Time,
		ClosedAt:     timePtr(is.ClosedAt),
	}
}

func mapRepository(r *gh.Repository) *models.Repository {
	return &models.Repository{
		GitHubID:       r.GetID(),
		Owner:          r.GetOwner().GetLogin(),
		Name:           r.GetName(),
		FullName:       r.GetFullName(),
		Description:    r.GetDescription(),
		DefaultBranch:  r.GetDefaultBranch(),
		Stars:          r.GetStargazersCount(),
		Forks:          r.GetForksCount(),
		Size:           r.GetSize(),
		SizeClass:      models.ClassifySize(r.GetSize()),
		HasDiscussions: r.GetHasDiscussions(),
	}
}
