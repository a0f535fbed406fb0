package consts

const MailboxDelimiter = '/'

// DefaultCollection is the collection filtered when none is configured.
const DefaultCollection = "INBOX"

// Header names the filter engine reads or writes itself.
const (
	HeaderIdentity  = "X-KMail-Identity"
	HeaderTransport = "X-KMail-Transport"
	HeaderUID       = "X-UID"
	HeaderMDNSentTo = "Disposition-Notification-To"
)
