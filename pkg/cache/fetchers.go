package cache

import (
	"context"

	"chillspace/pkg/models"
	"chillspace/pkg/remote"
)

// RemoteFetchers loads the slots from svc. With announcements set, the
// synthetic announcements channel is listed first.
func RemoteFetchers(svc remote.Service, announcements bool) Fetchers {
	return Fetchers{
		Profile: func(ctx context.Context) (models.Profile, error) {
			ident, err := svc.CurrentIdentity(ctx)
			if err != nil {
				return models.Profile{}, err
			}
			rows, err := svc.Query(ctx, remote.CollectionUsers, remote.Eq("id", ident.ID))
			if err != nil {
				return models.Profile{}, err
			}
			if len(rows) == 0 {
				// auth user without a users row yet
				return models.Profile{ID: ident.ID, Email: ident.Email, Role: models.RoleUser}, nil
			}
			p, err := remote.Decode[models.Profile](rows[0])
			if err != nil {
				return models.Profile{}, err
			}
			if p.Role == "" {
				p.Role = models.RoleUser
			}
			return p, nil
		},
		Peers: func(ctx context.Context, me models.Profile) ([]models.Profile, error) {
			rows, err := svc.Query(ctx, remote.CollectionUsers, remote.Neq("id", me.ID), remote.Asc("username"))
			if err != nil {
				return nil, err
			}
			return remote.DecodeAll[models.Profile](rows)
		},
		Channels: func(ctx context.Context) ([]models.Channel, error) {
			rows, err := svc.Query(ctx, remote.CollectionChannels, remote.Filter{}, remote.Asc("name"))
			if err != nil {
				return nil, err
			}
			chans, err := remote.DecodeAll[models.Channel](rows)
			if err != nil {
				return nil, err
			}
			if !announcements {
				return chans, nil
			}
			out := make([]models.Channel, 0, len(chans)+1)
			out = append(out, models.AnnouncementsChannel())
			for _, ch := range chans {
				if ch.ID != models.AnnouncementsChannelID {
					out = append(out, ch)
				}
			}
			return out, nil
		},
	}
}
