// Package grbl implements a command/acknowledgement engine for GRBL and FluidNC class motion
// controllers.
//
// A Session owns one link.Link and runs two loops over it: a receiver that classifies every
// incoming line (status report, reply or plain message) and a dispatcher that executes queued
// commands one at a time. At most one command waits for a reply at any time.
//
// The dispatcher also runs the two long operations on its own goroutine: the homing macro
// (HomingSequencer) and file streaming (FileStreamer). Both recover from alarms through
// Recovery and abort the session when a step fails irrecoverably.
//
// Example Usage:
//
//	l, err := link.OpenSerial("/dev/ttyUSB0", link.DefaultSerialOptions())
//	if err != nil {
//	    return err
//	}
//
//	cfg, _ := grbl.NewConfig(grbl.WithLogger(logger.GetLogger()))
//	session, _ := grbl.NewSession(ctx, l, cfg)
//	if err := session.Open(); err != nil {
//	    return err
//	}
//	defer session.Close()
//
//	_ = session.Enqueue(ctx, grbl.Command{Kind: grbl.CommandHomeMacro})
//	_ = session.Enqueue(ctx, grbl.Gcode("G0 X10"))
//	session.CloseInput()
//
//	return session.Wait(ctx)
package grbl
