package mesh

import "github.com/ithildind/ithildind/internal/model"

// SquitPlan is the result of planning a SQUIT teardown: which clients
// are destroyed, and which outbound lines go to which still-connected
// peers.
type SquitPlan struct {
	Destroyed []*model.Client
	// PerPeerLines is the set of lines to send to each directly
	// connected peer other than the squit target itself: a single
	// tree-scoped SQUIT for NOQUIT-aware peers, or, for NOQUIT-dumb
	// peers, one QUIT per destroyed client followed by one SQUIT per
	// affected server.
	PerPeerLines map[*Link][]string
}

// Squit computes and applies the teardown of spec.md §4.7: recurse
// into every child of target, destroy all clients it (or a
// descendant) owns, mark each KILLED so command handlers don't
// re-propagate the destruction, and prepare SQUIT lines for every
// other live link — collapsed to one line for NOQUIT-aware peers,
// expanded to one QUIT per destroyed client plus one SQUIT per
// disappearing server for NOQUIT-dumb peers — then detach target from
// its parent.
func Squit(target *model.Server, reason string, owners func(s *model.Server) []*model.Client, peers []*Link, hooks *Hooks) SquitPlan {
	subtree := model.Subtree(target)

	plan := SquitPlan{PerPeerLines: make(map[*Link][]string)}
	var dying []*model.Client
	for _, s := range subtree {
		for _, c := range owners(s) {
			c.MarkKilled()
			plan.Destroyed = append(plan.Destroyed, c)
			dying = append(dying, c)
			if hooks != nil && hooks.Quit != nil {
				hooks.Quit(c, reason)
			}
		}
	}

	for _, peer := range peers {
		if peer.Peer == target {
			continue
		}
		if peer.Caps.NoQuit {
			plan.PerPeerLines[peer] = []string{"SQUIT " + target.Name + " :" + reason}
			continue
		}
		// NOQUIT-dumb peers infer nothing: every disappearing client
		// gets an explicit QUIT before the per-server SQUIT lines.
		lines := make([]string, 0, len(dying)+len(subtree))
		for _, c := range dying {
			lines = append(lines, c.Mask()+" QUIT :"+reason)
		}
		for _, s := range subtree {
			lines = append(lines, "SQUIT "+s.Name+" :"+reason)
		}
		plan.PerPeerLines[peer] = lines
	}

	if target.Parent != nil {
		target.Detach()
	}

	return plan
}
