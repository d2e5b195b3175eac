package browserpool

import "github.com/go-rod/rod/lib/proto"

// newBlankTarget is the CDP target descriptor used to open each court's
// dedicated page before navigating it to the court's real URL.
func newBlankTarget() proto.TargetCreateTarget {
	return proto.TargetCreateTarget{URL: "about:blank"}
}
