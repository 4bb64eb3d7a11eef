package contracts

// PoolABI is the event surface shared by the BasePoolV3 contract family
// (individual, cooperative, ROSCA and prize pools). Only events are
// declared; the ingestion layer never calls pool methods.
const PoolABI = `[
	{"type":"event","name":"PoolCreated","inputs":[
		{"name":"poolId","type":"uint256","indexed":true},
		{"name":"creator","type":"address","indexed":true},
		{"name":"targetAmount","type":"uint256","indexed":false}]},
	{"type":"event","name":"MemberJoined","inputs":[
		{"name":"poolId","type":"uint256","indexed":true},
		{"name":"member","type":"address","indexed":true}]},
	{"type":"event","name":"DepositMade","inputs":[
		{"name":"poolId","type":"uint256","indexed":true},
		{"name":"member","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"WithdrawalMade","inputs":[
		{"name":"poolId","type":"uint256","indexed":true},
		{"name":"member","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"YieldClaimed","inputs":[
		{"name":"poolId","type":"uint256","indexed":true},
		{"name":"member","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"TicketPurchased","inputs":[
		{"name":"poolId","type":"uint256","indexed":true},
		{"name":"player","type":"address","indexed":true},
		{"name":"count","type":"uint256","indexed":false}]},
	{"type":"event","name":"WinnerDeclared","inputs":[
		{"name":"poolId","type":"uint256","indexed":true},
		{"name":"winner","type":"address","indexed":true},
		{"name":"prize","type":"uint256","indexed":false},
		{"name":"round","type":"uint256","indexed":false}]},
	{"type":"event","name":"RoundStarted","inputs":[
		{"name":"poolId","type":"uint256","indexed":true},
		{"name":"round","type":"uint256","indexed":false},
		{"name":"deadline","type":"uint256","indexed":false}]},
	{"type":"event","name":"PayoutExecuted","inputs":[
		{"name":"poolId","type":"uint256","indexed":true},
		{"name":"recipient","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"round","type":"uint256","indexed":false}]}
]`
