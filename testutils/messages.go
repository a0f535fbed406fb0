package testutils

import "strings"

// crlf turns a message written with \n line ends into wire form.
func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

var (
	// PlainMessage is a short text/plain message.
	PlainMessage = crlf(`From: Alice Example <alice@example.com>
To: Bob <bob@example.org>
Subject: Invoice 2024-17
Date: Tue, 05 Mar 2024 10:00:00 +0000
Message-ID: <invoice-17@example.com>
Content-Type: text/plain; charset=utf-8

Please find the invoice attached.
`)

	// NewsletterMessage carries a List-Id and asks for a read receipt.
	NewsletterMessage = crlf(`From: news@lists.example.net
To: bob@example.org
Subject: Weekly newsletter
List-Id: <weekly.lists.example.net>
Disposition-Notification-To: news@lists.example.net
Message-ID: <weekly-42@lists.example.net>
Content-Type: text/plain

This week in review.
`)

	// AttachmentMessage is a multipart/mixed message with a PDF part.
	AttachmentMessage = crlf(`From: carol@example.com
To: bob@example.org
Subject: Contract
Message-ID: <contract@example.com>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="b1"

--b1
Content-Type: text/plain

See the attached contract.
--b1
Content-Type: application/pdf; name="contract.pdf"
Content-Disposition: attachment; filename="contract.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQK
--b1--
`)
)
