// Package stageflow is a messaging-based service composition runtime on top
// of a transacted broker. Services are expressed as multi-stage endpoints:
// each stage is an independent message consumer that may reply, request
// another endpoint (pushing a continuation onto the flow's stack), pass the
// flow to its next stage, publish to a topic, or end the flow. All state a
// flow needs travels inside its wire envelope - the runtime keeps nothing in
// process memory between stages - so any node running the endpoint can pick
// up any message, and a flow survives process restarts wherever its message
// currently sits.
//
// Every receive-process-send cycle runs inside a transaction bracket: the
// broker session transaction, optionally joined by an external resource
// transaction (e.g. a database), committed resource-first. This is
// best-effort 1PC; the failure window between the two commits is surfaced as
// a distinct MessageSendError so callers can compensate.
//
// A minimal setup fills Config, creates a Factory, registers endpoints
// (Single, Terminator, SubscriptionTerminator, or Staged for multi-stage
// chains), calls Start, and sends the first message through an Initiator:
//
//	f, _ := stageflow.NewFactory(ctx, stageflow.Config{AppName: "orders"}, logger, stageflow.FactoryDependencies{})
//	stageflow.Single(f, "order.total", func(pc *stageflow.ProcessContext, in *OrderReq) (OrderTotal, error) {
//		return OrderTotal{Cents: in.Cents * in.Count}, nil
//	})
//	stageflow.Terminator[OrderState, OrderTotal](f, "order.done", func(pc *stageflow.ProcessContext, state *OrderState, in *OrderTotal) error {
//		...
//		return nil
//	})
//	f.Start()
//	f.DefaultInitiator().Initiate(ctx, func(ic *stageflow.InitiateContext) error {
//		return ic.TraceID("order-17").From("web").To("order.total").
//			ReplyTo("order.done", OrderState{}).
//			Request(OrderReq{Cents: 500, Count: 3})
//	})
//
// # Brokers
//
// Broker backends register themselves by name; Config.Broker selects one:
//   - inmem: in-process transacted broker for testing and local development
//   - amqp: AMQP 0-9-1 (RabbitMQ) via transacted channels
//
// Import a backend to register it:
//
//	import _ "github.com/drblury/stageflow/broker/amqp"
package stageflow
