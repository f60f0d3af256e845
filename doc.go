// SPDX-License-Identifier: MIT

// Package vnc implements the core of the Remote Framebuffer (RFB)
// protocol, commonly known as VNC: a bit-exact wire codec for protocol
// versions 3.3, 3.7, and 3.8, the connection-establishment state
// machine with VNC and Apple Remote Desktop authentication, an
// asynchronous client with a background event pump and ZRLE decoding, a
// passive proxy, and server-side framing helpers.
//
// The package deliberately stops at the event and command boundary: it
// delivers decoded pixel data, cursor shapes, and clipboard text as
// events and accepts input and update requests as commands, leaving
// rendering, input translation, and windowing to the consumer.
//
// # Client
//
//	conn, err := net.Dial("tcp", "localhost:5900")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	client, err := vnc.Connect(conn,
//		vnc.WithAuth(&vnc.PasswordAuth{Password: "secret"}),
//		vnc.WithShared(true),
//		vnc.WithZRLE(),
//		vnc.WithCopyRect(),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Disconnect()
//
//	width, height := client.Size()
//	client.RequestUpdate(vnc.NewRect(0, 0, width, height), false)
//	for {
//		switch event := client.WaitEvent().(type) {
//		case vnc.EventPutPixels:
//			// blit event.Pixels at event.Rect
//		case vnc.EventDisconnected:
//			return
//		case nil:
//			return
//		}
//	}
//
// # Proxy
//
//	proxy, err := vnc.NewProxy(serverConn, clientConn)
//	if err != nil {
//		log.Fatal(err)
//	}
//	err = proxy.Join()
//
// # Server framing
//
//	server, shared, err := vnc.NewServer(conn, 640, 480,
//		vnc.NewPixelFormatRGB8888(), "example")
//	update := vnc.NewFramebufferUpdate()
//	update.AddRawPixels(vnc.NewRect(0, 0, 640, 480), pixels)
//	err = server.SendUpdate(update)
package vnc
