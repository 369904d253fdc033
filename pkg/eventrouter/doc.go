// Package eventrouter is the application API of the clustered topic event router.
//
// Any node publishes events on a named topic and every subscriber of that topic, on
// any node, receives them. Each topic has exactly one owner node which orders and
// fans out its events; ownership follows cluster membership.
//
// A subscription goes through Opening, Open and Closed. Listener callbacks for one
// subscription run one at a time in this order:
//
//	OnOpen (at most once) -> OnEvent (zero or more, owner order) -> OnClose (at most once)
//
// Callbacks never run on the router's internal goroutine, so a slow listener only
// delays its own subscription. A listener that falls too far behind is closed with
// CloseSlowSubscriber.
//
// Example usage:
//
//	orders := eventrouter.GetTopic[Order](router, "orders")
//	sub := orders.Subscribe(eventrouter.ListenerFuncs[Order]{
//		Event: func(sub eventrouter.Subscription, o Order) {
//			fmt.Println("received", o.ID)
//		},
//		Close: func(sub eventrouter.Subscription, reason eventrouter.CloseReason) {
//			fmt.Println("closed:", reason)
//		},
//	})
//	defer sub.Cancel()
//
//	if err := orders.Publish(Order{ID: "1234"}); err != nil {
//		return err
//	}
package eventrouter
